package dfs

import (
	"encoding/json"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// CheckpointState is the leader's point-in-time copy of everything the
// cluster replicates: config, roster, service specs, replica assignments
// and the current term. One file per cluster, rewritten via
// WriteCheckpoint.
type CheckpointState struct {
	Cluster  *types.Cluster      `json:"cluster,omitempty"`
	Config   types.ClusterConfig `json:"config"`
	Nodes    []*types.Node       `json:"nodes"`
	Services []*types.Service    `json:"services"`
	Replicas []*types.Replica    `json:"replicas"`
	Term     uint64              `json:"term"`
}

// Export captures the store's current contents as a CheckpointState.
// Missing cluster metadata/config are tolerated: a node that has not yet
// seen create_cluster still checkpoints its roster.
func Export(s Storage) (*CheckpointState, error) {
	cp := &CheckpointState{}

	var err error
	if cp.Nodes, err = s.ListNodes(); err != nil {
		return nil, err
	}
	if cp.Services, err = s.ListServices(); err != nil {
		return nil, err
	}
	if cp.Replicas, err = s.ListReplicas(); err != nil {
		return nil, err
	}
	if cp.Term, err = s.GetTerm(); err != nil && !dslerr.Is(err, dslerr.CodeNotFound) {
		return nil, err
	}
	if cp.Cluster, err = s.GetClusterMeta(); err != nil && !dslerr.Is(err, dslerr.CodeNotFound) {
		return nil, err
	}
	if cp.Config, err = s.GetClusterConfig(); err != nil && !dslerr.Is(err, dslerr.CodeNotFound) {
		return nil, err
	}
	return cp, nil
}

// Marshal encodes the checkpoint for WriteCheckpoint.
func (cp *CheckpointState) Marshal() ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, dslerr.Internal(err, "marshal checkpoint")
	}
	return data, nil
}

// UnmarshalCheckpoint decodes a checkpoint read via ReadCheckpoint.
func UnmarshalCheckpoint(data []byte) (*CheckpointState, error) {
	var cp CheckpointState
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, dslerr.Corrupt("checkpoint", "decode checkpoint: %v", err)
	}
	return &cp, nil
}
