/*
Package agent implements the node-local runnable host: Agent is the
client half that runs on every node, dialing the cluster leader, turning
incoming ReplicaPlace frames into local Runnables registered with the
node's Scheduler, probing their health, and reporting ReplicaStatus and
HealthProbeResult frames back. Hub is the leader-side half: it accepts
agent connections, forwards placement/removal instructions from
pkg/servicemgr to the right node, and feeds the statuses and probe
results it receives back into the Manager.

A replica here is one or more scheduled Runnables, not a container:
there is no image to pull, nothing to mount, and no runtime socket to
manage — placement is registry.Create plus scheduler.Enqueue.
*/
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DslsDZC/dslos-core/pkg/healthprobe"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/runnable"
	"github.com/DslsDZC/dslos-core/pkg/scheduler"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

const heartbeatInterval = 5 * time.Second

// Conn is the minimal frame transport Agent needs. Production code passes
// a dialed net.Conn; tests substitute an in-memory net.Pipe half.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// localReplica tracks one placed replica's runnables and, if configured,
// its health-probe goroutine.
type localReplica struct {
	runnableIDs []uint64
	cancel      context.CancelFunc
}

// Agent is the node-local runnable host. One Agent runs per node.
type Agent struct {
	nodeID    string
	conn      Conn
	writeMu   sync.Mutex
	scheduler *scheduler.Scheduler
	registry  *runnable.Registry
	prober    *healthprobe.Prober
	logger    zerolog.Logger

	mu       sync.Mutex
	replicas map[string]*localReplica
	stopCh   chan struct{}
}

// New creates an Agent for nodeID communicating over conn, scheduling
// placed runnables onto sched and tracking them in reg.
func New(nodeID string, conn Conn, sched *scheduler.Scheduler, reg *runnable.Registry) *Agent {
	return &Agent{
		nodeID:    nodeID,
		conn:      conn,
		scheduler: sched,
		registry:  reg,
		prober:    healthprobe.NewProber(4),
		logger:    log.WithComponent("agent"),
		replicas:  make(map[string]*localReplica),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat loop and blocks in the frame-read loop
// until ctx is cancelled, Stop is called, or the connection fails.
func (a *Agent) Start(ctx context.Context) {
	go a.heartbeatLoop(ctx)
	a.readLoop(ctx)
}

// Stop terminates every locally placed runnable, cancels outstanding
// health probes and closes the connection.
func (a *Agent) Stop() {
	select {
	case <-a.stopCh:
		return // already stopped
	default:
		close(a.stopCh)
	}
	a.mu.Lock()
	for _, lr := range a.replicas {
		a.tearDown(lr)
	}
	a.replicas = make(map[string]*localReplica)
	a.mu.Unlock()
	_ = a.conn.Close()
}

func (a *Agent) tearDown(lr *localReplica) {
	if lr.cancel != nil {
		lr.cancel()
	}
	for _, id := range lr.runnableIDs {
		_ = a.registry.Terminate(id)
		_ = a.registry.Reap(id)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	var tick int64

	// Send an identifying heartbeat immediately so the leader's Hub learns
	// this connection's node id without waiting a full interval.
	if err := a.send(transport.KindHeartbeat, transport.Heartbeat{NodeID: a.nodeID, Tick: tick}); err != nil {
		metrics.HeartbeatsMissedTotal.Inc()
		a.logger.Warn().Err(err).Msg("initial heartbeat send failed")
	} else {
		metrics.HeartbeatsSentTotal.Inc()
	}

	for {
		select {
		case <-ticker.C:
			tick++
			if err := a.send(transport.KindHeartbeat, transport.Heartbeat{NodeID: a.nodeID, Tick: tick}); err != nil {
				metrics.HeartbeatsMissedTotal.Inc()
				a.logger.Warn().Err(err).Msg("heartbeat send failed")
				continue
			}
			metrics.HeartbeatsSentTotal.Inc()
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) readLoop(ctx context.Context) {
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		kind, payload, err := transport.ReadFrame(a.conn)
		if err != nil {
			a.logger.Warn().Err(err).Msg("frame read failed, agent connection closed")
			return
		}
		a.handleFrame(ctx, kind, payload)
	}
}

func (a *Agent) handleFrame(ctx context.Context, kind transport.Kind, payload json.RawMessage) {
	switch kind {
	case transport.KindReplicaPlace:
		var msg transport.ReplicaPlace
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.logger.Error().Err(err).Msg("decode ReplicaPlace")
			return
		}
		a.placeReplica(ctx, msg)
	case transport.KindReplicaRemove:
		var msg transport.ReplicaRemove
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.logger.Error().Err(err).Msg("decode ReplicaRemove")
			return
		}
		a.removeReplica(msg.ReplicaID)
	default:
		// Vote/Leader/MetadataPropose/MetadataAck belong to the raft
		// transport, not this connection.
	}
}

// placeReplica instantiates the runnables a ReplicaPlace frame describes
// and reports the outcome back to the leader. A replica with no health
// check configured is reported Healthy as soon as its runnables are
// scheduled, since nothing will ever probe it otherwise; one with a
// health check starts Starting and transitions once probing begins.
func (a *Agent) placeReplica(ctx context.Context, msg transport.ReplicaPlace) {
	var spec PlacementSpec
	if err := json.Unmarshal(msg.Spec, &spec); err != nil {
		a.logger.Error().Err(err).Str("replica_id", msg.ReplicaID).Msg("decode placement spec")
		a.reportStatus(msg.ReplicaID, "error", nil, err.Error())
		return
	}
	count := spec.RunnableCount
	if count <= 0 {
		count = 1
	}

	ids := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		id, err := a.registry.Create(spec.Priority, spec.Affinity, a.scheduler.CPUCount(), spec.GroupID, 0)
		if err != nil {
			a.logger.Error().Err(err).Str("replica_id", msg.ReplicaID).Msg("create runnable")
			a.reportStatus(msg.ReplicaID, "error", ids, err.Error())
			return
		}
		if err := a.scheduler.Enqueue(id); err != nil {
			a.logger.Error().Err(err).Str("replica_id", msg.ReplicaID).Msg("enqueue runnable")
			a.reportStatus(msg.ReplicaID, "error", ids, err.Error())
			return
		}
		ids = append(ids, id)
	}

	lr := &localReplica{runnableIDs: ids}
	a.mu.Lock()
	a.replicas[msg.ReplicaID] = lr
	a.mu.Unlock()

	if spec.HealthCheck == nil {
		a.reportStatus(msg.ReplicaID, string(types.ReplicaHealthy), ids, "")
		return
	}

	a.reportStatus(msg.ReplicaID, string(types.ReplicaStarting), ids, "")
	a.startHealthCheck(ctx, msg.ReplicaID, spec.HealthCheck, lr)
}

// startHealthCheck runs the replica's configured probe on an interval,
// reporting a HealthProbeResult frame whenever the derived health changes.
func (a *Agent) startHealthCheck(ctx context.Context, replicaID string, hc *types.HealthCheckSpec, lr *localReplica) {
	checker, err := createChecker(hc)
	if err != nil {
		a.logger.Error().Err(err).Str("replica_id", replicaID).Msg("unsupported health check")
		return
	}
	checkCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	lr.cancel = cancel
	a.mu.Unlock()

	status := healthprobe.NewStatus()
	go a.prober.Loop(checkCtx, hc.Interval, checker, status, func(h types.ReplicaHealth) {
		a.reportHealth(replicaID, h == types.ReplicaHealthy, status)
	})
}

func createChecker(hc *types.HealthCheckSpec) (healthprobe.Checker, error) {
	switch hc.Kind {
	case types.HealthCheckHTTP:
		return healthprobe.NewHTTPChecker(hc.Endpoint, hc.Timeout), nil
	case types.HealthCheckTCP:
		return healthprobe.NewTCPChecker(hc.Endpoint, hc.Timeout), nil
	case types.HealthCheckExec:
		return healthprobe.NewExecChecker(hc.Command, hc.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported health check kind %q", hc.Kind)
	}
}

func (a *Agent) reportHealth(replicaID string, healthy bool, status *healthprobe.Status) {
	msg := transport.HealthProbeResult{
		ReplicaID: replicaID,
		Healthy:   healthy,
		Message:   status.LastResult.Message,
	}
	if err := a.send(transport.KindHealthProbeResult, msg); err != nil {
		a.logger.Warn().Err(err).Str("replica_id", replicaID).Msg("report health failed")
	}
}

func (a *Agent) reportStatus(replicaID string, health string, runnableIDs []uint64, message string) {
	msg := transport.ReplicaStatus{
		ReplicaID:   replicaID,
		NodeID:      a.nodeID,
		Health:      health,
		RunnableIDs: runnableIDs,
		Message:     message,
	}
	if err := a.send(transport.KindReplicaStatus, msg); err != nil {
		a.logger.Warn().Err(err).Str("replica_id", replicaID).Msg("report status failed")
	}
}

func (a *Agent) removeReplica(replicaID string) {
	a.mu.Lock()
	lr, ok := a.replicas[replicaID]
	if ok {
		delete(a.replicas, replicaID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.tearDown(lr)
}

func (a *Agent) send(kind transport.Kind, v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return transport.WriteFrame(a.conn, kind, v)
}
