package api

import "github.com/DslsDZC/dslos-core/pkg/types"

// Operation names carried in OpRequest.Op. Every operator-facing call the
// daemon exposes is one of these.
const (
	OpCreateCluster  = "create_cluster"
	OpJoinCluster    = "join_cluster"
	OpLeaveCluster   = "leave_cluster"
	OpCreateService  = "create_service"
	OpStartService   = "start_service"
	OpStopService    = "stop_service"
	OpScaleService   = "scale_service"
	OpUpdateService  = "update_service"
	OpGetClusterInfo = "get_cluster_info"
	OpGetServiceInfo = "get_service_info"
	OpListServices   = "list_services"
	OpListNodes      = "list_nodes"
	OpPickReplica    = "pick_replica"
	OpReleaseReplica = "release_replica"
)

type CreateClusterRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Config      types.ClusterConfig `json:"config"`
}

type CreateClusterResponse struct {
	ClusterID string `json:"cluster_id"`
}

type JoinClusterRequest struct {
	NodeID   string                 `json:"node_id"`
	Name     string                 `json:"name"`
	RaftAddr string                 `json:"raft_addr"`
	Endpoint string                 `json:"endpoint"`
	Type     types.NodeType         `json:"type"`
	Capacity types.ResourceCapacity `json:"capacity"`
}

type JoinClusterResponse struct {
	NodeID string `json:"node_id"`
	// AgentAddr is the leader's agent hub address the joining node should
	// connect its local agent to.
	AgentAddr string `json:"agent_addr"`
}

type LeaveClusterRequest struct {
	NodeID string `json:"node_id"`
}

type CreateServiceRequest struct {
	Spec types.ServiceSpec `json:"spec"`
}

type CreateServiceResponse struct {
	ServiceID string `json:"service_id"`
}

type ServiceIDRequest struct {
	ServiceID string `json:"service_id"`
}

type StopServiceRequest struct {
	ServiceID string `json:"service_id"`
	Force     bool   `json:"force"`
}

type ScaleServiceRequest struct {
	ServiceID string `json:"service_id"`
	Target    int    `json:"target"`
}

type UpdateServiceRequest struct {
	ServiceID string            `json:"service_id"`
	Spec      types.ServiceSpec `json:"spec"`
}

// ClusterInfo is the get_cluster_info response.
type ClusterInfo struct {
	Cluster    *types.Cluster      `json:"cluster,omitempty"`
	Config     types.ClusterConfig `json:"config"`
	LeaderAddr string              `json:"leader_addr"`
	Term       uint64              `json:"term"`
	Nodes      []*types.Node       `json:"nodes"`
}

// ServiceInfo is the get_service_info response: the recorded spec and
// state plus the current replica set.
type ServiceInfo struct {
	Service  *types.Service   `json:"service"`
	Replicas []*types.Replica `json:"replicas"`
}

type ListServicesResponse struct {
	Services []*types.Service `json:"services"`
}

type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

type PickReplicaRequest struct {
	ServiceID string `json:"service_id"`
	ClientKey string `json:"client_key,omitempty"`
}

type PickReplicaResponse struct {
	ReplicaID string `json:"replica_id"`
	NodeID    string `json:"node_id"`
	Endpoint  string `json:"endpoint"`
}

type ReleaseReplicaRequest struct {
	ServiceID string `json:"service_id"`
	ReplicaID string `json:"replica_id"`
}
