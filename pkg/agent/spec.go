package agent

import "github.com/DslsDZC/dslos-core/pkg/types"

// PlacementSpec is the JSON payload carried inside a transport.ReplicaPlace
// frame's Spec field: what the node-local agent should instantiate for one
// replica. Hub derives it from the owning service's spec at placement time.
type PlacementSpec struct {
	RunnableCount int                    `json:"runnable_count"`
	Priority      int                    `json:"priority"`
	Affinity      types.Affinity         `json:"affinity"`
	GroupID       uint32                 `json:"group_id"`
	HealthCheck   *types.HealthCheckSpec `json:"health_check,omitempty"`
}
