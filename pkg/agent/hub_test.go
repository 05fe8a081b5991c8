package agent

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/config"
	"github.com/DslsDZC/dslos-core/pkg/healthprobe"
	"github.com/DslsDZC/dslos-core/pkg/runnable"
	"github.com/DslsDZC/dslos-core/pkg/scheduler"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

type fakeSink struct {
	mu       sync.Mutex
	statuses []transport.ReplicaStatus
	probes   []healthprobe.Result
}

func (s *fakeSink) HandleHeartbeat(nodeID string) error { return nil }

func (s *fakeSink) HandleReplicaStatus(status transport.ReplicaStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSink) HandleProbeResult(replicaID string, result healthprobe.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, result)
	return nil
}

func (s *fakeSink) snapshotStatuses() []transport.ReplicaStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.ReplicaStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// newWiredPair connects a real Agent to a real Hub over a net.Pipe, as if
// the agent had dialed the leader's listener, so the whole placement round
// trip (leader decides -> agent instantiates -> agent reports back ->
// leader's sink observes) is exercised without any network I/O.
func newWiredPair(t *testing.T) (*Agent, *Hub, *fakeSink) {
	t.Helper()
	hubSide, agentSide := net.Pipe()

	sink := &fakeSink{}
	hub := NewHub(sink)
	go hub.handleConn(hubSide)

	reg := runnable.New(clock.NewFake())
	sched := scheduler.New(2, reg, clock.NewFake(), config.AlgorithmRoundRobin, 10*time.Millisecond)
	a := New("node-7", agentSide, sched, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Start(ctx)

	t.Cleanup(func() {
		cancel()
		a.Stop()
	})
	return a, hub, sink
}

func TestHubLearnsNodeIDFromFirstHeartbeat(t *testing.T) {
	_, hub, _ := newWiredPair(t)

	require.Eventually(t, func() bool {
		_, ok := hub.connFor("node-7")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHubPlaceReplicaRoundTripsToStatusSink(t *testing.T) {
	_, hub, sink := newWiredPair(t)

	require.Eventually(t, func() bool {
		_, ok := hub.connFor("node-7")
		return ok
	}, time.Second, 5*time.Millisecond)

	replica := &types.Replica{ID: "r-42", ServiceID: "svc-1", NodeID: "node-7"}
	require.NoError(t, hub.PlaceReplica("node-7", replica, types.ServiceSpec{Name: "web"}))

	require.Eventually(t, func() bool {
		return len(sink.snapshotStatuses()) >= 1
	}, time.Second, 5*time.Millisecond)

	statuses := sink.snapshotStatuses()
	assert.Equal(t, "r-42", statuses[0].ReplicaID)
	assert.Equal(t, string(types.ReplicaHealthy), statuses[0].Health)
}

func TestHubPlaceReplicaToUnknownNodeIsNoop(t *testing.T) {
	hub := NewHub(&fakeSink{})
	replica := &types.Replica{ID: "r-1", NodeID: "ghost"}
	err := hub.PlaceReplica("ghost", replica, types.ServiceSpec{})
	require.NoError(t, err)
}

func TestHubRemoveReplicaTearsDownAgentRunnables(t *testing.T) {
	a, hub, sink := newWiredPair(t)

	require.Eventually(t, func() bool {
		_, ok := hub.connFor("node-7")
		return ok
	}, time.Second, 5*time.Millisecond)

	replica := &types.Replica{ID: "r-5", NodeID: "node-7"}
	require.NoError(t, hub.PlaceReplica("node-7", replica, types.ServiceSpec{}))
	require.Eventually(t, func() bool { return len(sink.snapshotStatuses()) >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.RemoveReplica("node-7", "r-5"))
	require.Eventually(t, func() bool {
		a.mu.Lock()
		_, ok := a.replicas["r-5"]
		a.mu.Unlock()
		return !ok
	}, time.Second, 5*time.Millisecond)
}
