package agent

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DslsDZC/dslos-core/pkg/healthprobe"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// defaultRunnablePriority is the priority assigned to a replica's runnables
// when placed by the leader; mid-range, below RealTimePriority.
const defaultRunnablePriority = 15

// StatusSink receives the reports an agent connection sends back to the
// leader. pkg/servicemgr's Manager implements it.
type StatusSink interface {
	HandleHeartbeat(nodeID string) error
	HandleReplicaStatus(status transport.ReplicaStatus) error
	HandleProbeResult(replicaID string, result healthprobe.Result) error
}

// Hub is the leader-side counterpart of Agent: it accepts one connection
// per node, learns the node's id from its first Heartbeat frame, and lets
// pkg/servicemgr push ReplicaPlace/ReplicaRemove frames to a specific node
// by id while feeding the ReplicaStatus/HealthProbeResult frames it
// receives back into a StatusSink.
type Hub struct {
	sink   StatusSink
	logger zerolog.Logger

	mu   sync.RWMutex
	byID map[string]*hubConn
}

type hubConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewHub creates a Hub that feeds reports into sink.
func NewHub(sink StatusSink) *Hub {
	return &Hub{sink: sink, byID: make(map[string]*hubConn), logger: log.WithComponent("agent-hub")}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed at shutdown), handling each on its own goroutine.
func (h *Hub) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer conn.Close()
	hc := &hubConn{conn: conn}
	var nodeID string

	for {
		kind, payload, err := transport.ReadFrame(conn)
		if err != nil {
			if nodeID != "" {
				h.forget(nodeID)
			}
			return
		}

		switch kind {
		case transport.KindHeartbeat:
			var hb transport.Heartbeat
			if err := json.Unmarshal(payload, &hb); err != nil {
				continue
			}
			if nodeID == "" {
				nodeID = hb.NodeID
				h.register(nodeID, hc)
			}
			if err := h.sink.HandleHeartbeat(nodeID); err != nil {
				h.logger.Warn().Err(err).Str("node_id", nodeID).Msg("handle heartbeat")
			}
		case transport.KindReplicaStatus:
			var status transport.ReplicaStatus
			if err := json.Unmarshal(payload, &status); err != nil {
				continue
			}
			if err := h.sink.HandleReplicaStatus(status); err != nil {
				h.logger.Warn().Err(err).Str("replica_id", status.ReplicaID).Msg("handle replica status")
			}
		case transport.KindHealthProbeResult:
			var probe transport.HealthProbeResult
			if err := json.Unmarshal(payload, &probe); err != nil {
				continue
			}
			result := healthprobe.Result{Healthy: probe.Healthy, Message: probe.Message, CheckedAt: time.Now()}
			if err := h.sink.HandleProbeResult(probe.ReplicaID, result); err != nil {
				h.logger.Warn().Err(err).Str("replica_id", probe.ReplicaID).Msg("handle probe result")
			}
		default:
		}
	}
}

func (h *Hub) register(nodeID string, hc *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[nodeID] = hc
}

func (h *Hub) forget(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byID, nodeID)
}

func (h *Hub) connFor(nodeID string) (*hubConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hc, ok := h.byID[nodeID]
	return hc, ok
}

func (hc *hubConn) send(kind transport.Kind, v interface{}) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	return transport.WriteFrame(hc.conn, kind, v)
}

// PlaceReplica pushes a ReplicaPlace frame to the node currently connected
// as nodeID. It is a no-op returning nil if the node is not connected; the
// replica stays Starting until the node (re)connects and servicemgr's
// reconciliation loop or HandleNodeFailed notices it never converges.
func (h *Hub) PlaceReplica(nodeID string, replica *types.Replica, svc types.ServiceSpec) error {
	hc, ok := h.connFor(nodeID)
	if !ok {
		return nil
	}
	specPayload, err := json.Marshal(PlacementSpec{
		RunnableCount: 1,
		Priority:      defaultRunnablePriority,
		HealthCheck:   svc.HealthCheck,
	})
	if err != nil {
		return err
	}
	msg := transport.ReplicaPlace{
		ReplicaID: replica.ID,
		ServiceID: replica.ServiceID,
		Spec:      specPayload,
	}
	return hc.send(transport.KindReplicaPlace, msg)
}

// RemoveReplica pushes a ReplicaRemove frame to the node currently
// connected as nodeID. Like PlaceReplica, it is a no-op if the node is not
// connected; the replica's cluster-side reservation was already released
// by the caller.
func (h *Hub) RemoveReplica(nodeID, replicaID string) error {
	hc, ok := h.connFor(nodeID)
	if !ok {
		return nil
	}
	return hc.send(transport.KindReplicaRemove, transport.ReplicaRemove{ReplicaID: replicaID})
}
