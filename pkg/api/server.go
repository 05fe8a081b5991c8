/*
Package api is the operator-facing surface of a node daemon: a framed
OpRequest/OpResponse protocol over TCP exposing create_cluster through
pick_replica. Every call is answered with either a well-typed result or
a tagged error code; nothing is partially applied silently. Writes are
only served by the current leader — followers answer not_leader with a
leader hint so the client can redial.
*/
package api

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DslsDZC/dslos-core/pkg/cluster"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/loadbalancer"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/servicemgr"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// Server dispatches operator requests against the cluster and service
// manager, and owns the per-service load balancers request dispatch picks
// from.
type Server struct {
	cluster   *cluster.Cluster
	manager   *servicemgr.Manager
	agentAddr string
	lbAlgo    loadbalancer.Algorithm
	logger    zerolog.Logger

	mu        sync.Mutex
	balancers map[string]*loadbalancer.Balancer
}

// NewServer creates a Server. agentAddr is this node's agent hub address,
// handed to joining nodes so their agents know where to connect.
func NewServer(c *cluster.Cluster, m *servicemgr.Manager, lbAlgo loadbalancer.Algorithm, agentAddr string) *Server {
	return &Server{
		cluster:   c,
		manager:   m,
		agentAddr: agentAddr,
		lbAlgo:    lbAlgo,
		logger:    log.WithComponent("api"),
		balancers: make(map[string]*loadbalancer.Balancer),
	}
}

// Serve accepts operator connections until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.HandleConn(conn)
	}
}

// HandleConn serves one operator connection: requests are handled in
// order, each answered with an OpResponse carrying the same id.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()
	for {
		kind, payload, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		if kind != transport.KindOpRequest {
			continue
		}
		var req transport.OpRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}

		resp := transport.OpResponse{ID: req.ID}
		result, err := s.dispatch(req.Op, req.Payload)
		if err != nil {
			resp.Code = string(dslerr.GetCode(err))
			resp.Error = err.Error()
			var derr *dslerr.Error
			if errors.As(err, &derr) {
				resp.Field = derr.Field
			}
			s.logger.Debug().Str("op", req.Op).Str("code", resp.Code).Msg("request failed")
		} else if result != nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Code = string(dslerr.CodeInternal)
				resp.Error = merr.Error()
			} else {
				resp.Result = data
			}
		}
		if err := transport.WriteFrame(conn, transport.KindOpResponse, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(op string, payload json.RawMessage) (interface{}, error) {
	switch op {
	case OpCreateCluster:
		var req CreateClusterRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.createCluster(req)

	case OpJoinCluster:
		var req JoinClusterRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.joinCluster(req)

	case OpLeaveCluster:
		var req LeaveClusterRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, s.leaveCluster(req.NodeID)

	case OpCreateService:
		var req CreateServiceRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		svc, err := s.manager.CreateService(req.Spec)
		if err != nil {
			return nil, err
		}
		return CreateServiceResponse{ServiceID: svc.ID}, nil

	case OpStartService:
		var req ServiceIDRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.StartService(req.ServiceID)

	case OpStopService:
		var req StopServiceRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		s.dropBalancer(req.ServiceID)
		return nil, s.manager.StopService(req.ServiceID, req.Force)

	case OpScaleService:
		var req ScaleServiceRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.ScaleService(req.ServiceID, req.Target)

	case OpUpdateService:
		var req UpdateServiceRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.UpdateService(req.ServiceID, req.Spec)

	case OpGetClusterInfo:
		return s.clusterInfo()

	case OpGetServiceInfo:
		var req ServiceIDRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.serviceInfo(req.ServiceID)

	case OpListServices:
		services, err := s.cluster.Store().ListServices()
		if err != nil {
			return nil, err
		}
		return ListServicesResponse{Services: services}, nil

	case OpListNodes:
		nodes, err := s.cluster.Store().ListNodes()
		if err != nil {
			return nil, err
		}
		return ListNodesResponse{Nodes: nodes}, nil

	case OpPickReplica:
		var req PickReplicaRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.pickReplica(req)

	case OpReleaseReplica:
		var req ReleaseReplicaRequest
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		s.releaseReplica(req)
		return nil, nil

	default:
		return nil, dslerr.InvalidParameter("unknown operation %q", op)
	}
}

func unmarshal(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return dslerr.InvalidParameter("missing request payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return dslerr.InvalidParameter("decode request payload: %v", err)
	}
	return nil
}

func (s *Server) createCluster(req CreateClusterRequest) (*CreateClusterResponse, error) {
	if req.Name == "" {
		return nil, dslerr.InvalidParameter("cluster name is required")
	}
	if _, err := s.cluster.ClusterMeta(); err == nil {
		return nil, dslerr.AlreadyExists("cluster metadata already set")
	}

	cfg := req.Config
	if cfg.HeartbeatInterval <= 0 {
		cfg = types.DefaultClusterConfig(cfg.MaxNodes)
	}
	cl := &types.Cluster{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Config:    cfg,
		State:     types.ClusterActive,
		Term:      s.cluster.Term(),
		CreatedAt: time.Now(),
	}
	if err := s.cluster.PutClusterMeta(cl); err != nil {
		return nil, err
	}
	if err := s.cluster.Store().PutClusterConfig(cfg); err != nil {
		return nil, err
	}
	return &CreateClusterResponse{ClusterID: cl.ID}, nil
}

func (s *Server) joinCluster(req JoinClusterRequest) (*JoinClusterResponse, error) {
	if req.NodeID == "" || req.RaftAddr == "" {
		return nil, dslerr.InvalidParameter("node_id and raft_addr are required")
	}
	if _, err := s.cluster.Store().GetNode(req.NodeID); err == nil {
		return nil, dslerr.AlreadyExists("node %s is already a member", req.NodeID)
	}
	meta, err := s.cluster.ClusterMeta()
	if err == nil && meta.Config.MaxNodes > 0 {
		nodes, lerr := s.cluster.Store().ListNodes()
		if lerr != nil {
			return nil, lerr
		}
		if len(nodes) >= meta.Config.MaxNodes {
			return nil, dslerr.QuotaExceeded("cluster is full (%d nodes)", meta.Config.MaxNodes)
		}
	}

	if err := s.cluster.Join(req.NodeID, req.RaftAddr); err != nil {
		return nil, err
	}

	nodeType := req.Type
	if nodeType == "" {
		nodeType = types.NodeWorker
	}
	clusterID := ""
	if meta != nil {
		clusterID = meta.ID
	}
	n := &types.Node{
		ID:            req.NodeID,
		ClusterID:     clusterID,
		Name:          req.Name,
		Endpoint:      req.Endpoint,
		Type:          nodeType,
		Capacity:      req.Capacity,
		State:         types.NodeOnline,
		HealthScore:   100,
		LastHeartbeat: time.Now(),
		JoinedAt:      time.Now(),
	}
	if err := s.cluster.PutNode(n); err != nil {
		return nil, err
	}
	return &JoinClusterResponse{NodeID: req.NodeID, AgentAddr: s.agentAddr}, nil
}

// leaveCluster removes the node from the voter set and roster, first
// re-placing any replicas it was running through the service manager's
// node-failure path (HandleNodeFailed).
func (s *Server) leaveCluster(nodeID string) error {
	if nodeID == "" {
		return dslerr.InvalidParameter("node_id is required")
	}
	n, err := s.cluster.Store().GetNode(nodeID)
	if err != nil {
		return err
	}
	n.State = types.NodeLeaving
	if err := s.cluster.PutNode(n); err != nil {
		return err
	}

	s.manager.HandleNodeFailed(nodeID)

	if err := s.cluster.Leave(nodeID); err != nil {
		return err
	}
	return s.cluster.DeleteNode(nodeID)
}

func (s *Server) clusterInfo() (*ClusterInfo, error) {
	info := &ClusterInfo{
		LeaderAddr: s.cluster.LeaderHint(),
		Term:       s.cluster.Term(),
	}
	if meta, err := s.cluster.ClusterMeta(); err == nil {
		info.Cluster = meta
		info.Config = meta.Config
		if s.cluster.Degraded() {
			// Liveness-derived state overlays the replicated record: the
			// degraded flag is the leader's local view and is not itself a
			// metadata write.
			info.Cluster.State = types.ClusterDegraded
		}
	} else if !dslerr.Is(err, dslerr.CodeNotFound) {
		return nil, err
	}
	nodes, err := s.cluster.Store().ListNodes()
	if err != nil {
		return nil, err
	}
	info.Nodes = nodes
	return info, nil
}

func (s *Server) serviceInfo(serviceID string) (*ServiceInfo, error) {
	svc, err := s.cluster.Store().GetService(serviceID)
	if err != nil {
		return nil, err
	}
	replicas, err := s.cluster.Store().ListReplicasByService(serviceID)
	if err != nil {
		return nil, err
	}
	return &ServiceInfo{Service: svc, Replicas: replicas}, nil
}

// pickReplica syncs the service's balancer with the current replica set,
// then picks. The balancer keeps its own in-flight counts and rotation
// cursors across calls; sync only toggles health and adds/removes members.
func (s *Server) pickReplica(req PickReplicaRequest) (*PickReplicaResponse, error) {
	b, err := s.syncBalancer(req.ServiceID)
	if err != nil {
		return nil, err
	}
	m, err := b.Pick(req.ClientKey)
	if err != nil {
		return nil, err
	}
	replica, err := s.cluster.Store().GetReplica(m.ReplicaID)
	if err != nil {
		return &PickReplicaResponse{ReplicaID: m.ReplicaID, Endpoint: m.Endpoint}, nil
	}
	return &PickReplicaResponse{ReplicaID: m.ReplicaID, NodeID: replica.NodeID, Endpoint: m.Endpoint}, nil
}

func (s *Server) releaseReplica(req ReleaseReplicaRequest) {
	s.mu.Lock()
	b, ok := s.balancers[req.ServiceID]
	s.mu.Unlock()
	if ok {
		b.Release(req.ReplicaID)
	}
}

func (s *Server) dropBalancer(serviceID string) {
	s.mu.Lock()
	delete(s.balancers, serviceID)
	s.mu.Unlock()
}

func (s *Server) syncBalancer(serviceID string) (*loadbalancer.Balancer, error) {
	if _, err := s.cluster.Store().GetService(serviceID); err != nil {
		return nil, err
	}
	replicas, err := s.cluster.Store().ListReplicasByService(serviceID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.cluster.Store().ListNodes()
	if err != nil {
		return nil, err
	}
	endpointByNode := make(map[string]string, len(nodes))
	failedNodes := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		endpointByNode[n.ID] = n.Endpoint
		failedNodes[n.ID] = n.Failed
	}

	s.mu.Lock()
	b, ok := s.balancers[serviceID]
	if !ok {
		b = loadbalancer.New(s.lbAlgo)
		s.balancers[serviceID] = b
	}
	s.mu.Unlock()

	seen := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		seen[r.ID] = true
		healthy := r.Health == types.ReplicaHealthy && !r.Draining && !failedNodes[r.NodeID]
		if b.Has(r.ID) {
			b.SetHealthy(r.ID, healthy)
			continue
		}
		b.Put(loadbalancer.Member{
			ReplicaID: r.ID,
			Endpoint:  endpointByNode[r.NodeID],
			Weight:    1,
			Healthy:   healthy,
		})
	}
	for _, id := range b.MemberIDs() {
		if !seen[id] {
			b.Remove(id)
		}
	}
	return b, nil
}
