package agent

import (
	"context"
	"encoding/json"
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

// fakeLeader reads frames off one side of a net.Pipe and records them,
// standing in for Hub in tests that only care what Agent sends.
type fakeLeader struct {
	conn net.Conn

	mu       sync.Mutex
	statuses []transport.ReplicaStatus
	probes   []transport.HealthProbeResult
}

func newFakeLeader(conn net.Conn) *fakeLeader {
	return &fakeLeader{conn: conn}
}

func (f *fakeLeader) run() {
	for {
		kind, payload, err := transport.ReadFrame(f.conn)
		if err != nil {
			return
		}
		switch kind {
		case transport.KindReplicaStatus:
			var s transport.ReplicaStatus
			if json.Unmarshal(payload, &s) == nil {
				f.mu.Lock()
				f.statuses = append(f.statuses, s)
				f.mu.Unlock()
			}
		case transport.KindHealthProbeResult:
			var p transport.HealthProbeResult
			if json.Unmarshal(payload, &p) == nil {
				f.mu.Lock()
				f.probes = append(f.probes, p)
				f.mu.Unlock()
			}
		}
	}
}

func (f *fakeLeader) send(kind transport.Kind, v interface{}) error {
	return transport.WriteFrame(f.conn, kind, v)
}

func (f *fakeLeader) snapshotStatuses() []transport.ReplicaStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.ReplicaStatus, len(f.statuses))
	copy(out, f.statuses)
	return out
}

func (f *fakeLeader) snapshotProbes() []transport.HealthProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.HealthProbeResult, len(f.probes))
	copy(out, f.probes)
	return out
}

func newTestAgent(t *testing.T) (*Agent, *fakeLeader) {
	t.Helper()
	leaderSide, agentSide := net.Pipe()
	leader := newFakeLeader(leaderSide)
	go leader.run()

	reg := runnable.New(clock.NewFake())
	sched := scheduler.New(2, reg, clock.NewFake(), config.AlgorithmRoundRobin, 10*time.Millisecond)
	a := New("node-1", agentSide, sched, reg)

	t.Cleanup(func() {
		a.Stop()
		leaderSide.Close()
	})
	return a, leader
}

func TestPlaceReplicaWithoutHealthCheckReportsHealthyImmediately(t *testing.T) {
	a, leader := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.readLoop(ctx)

	spec, err := json.Marshal(PlacementSpec{RunnableCount: 2, Priority: 10})
	require.NoError(t, err)
	require.NoError(t, leader.send(transport.KindReplicaPlace, transport.ReplicaPlace{
		ReplicaID: "r1", ServiceID: "svc1", Spec: spec,
	}))

	require.Eventually(t, func() bool {
		return len(leader.snapshotStatuses()) >= 1
	}, time.Second, 5*time.Millisecond)

	statuses := leader.snapshotStatuses()
	last := statuses[len(statuses)-1]
	assert.Equal(t, "r1", last.ReplicaID)
	assert.Equal(t, string(types.ReplicaHealthy), last.Health)
	assert.Len(t, last.RunnableIDs, 2)

	a.mu.Lock()
	lr, ok := a.replicas["r1"]
	a.mu.Unlock()
	require.True(t, ok)
	assert.Len(t, lr.runnableIDs, 2)
}

func TestPlaceReplicaWithHealthCheckStartsStartingThenProbes(t *testing.T) {
	a, leader := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.readLoop(ctx)

	hc := &types.HealthCheckSpec{
		Kind:     types.HealthCheckTCP,
		Endpoint: "127.0.0.1:1", // almost certainly refused, so probes fail deterministically
		Interval: 20 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}
	spec, err := json.Marshal(PlacementSpec{RunnableCount: 1, HealthCheck: hc})
	require.NoError(t, err)
	require.NoError(t, leader.send(transport.KindReplicaPlace, transport.ReplicaPlace{
		ReplicaID: "r2", ServiceID: "svc1", Spec: spec,
	}))

	require.Eventually(t, func() bool {
		statuses := leader.snapshotStatuses()
		return len(statuses) >= 1 && statuses[0].Health == string(types.ReplicaStarting)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(leader.snapshotProbes()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	probes := leader.snapshotProbes()
	assert.Equal(t, "r2", probes[0].ReplicaID)
	assert.False(t, probes[0].Healthy)
}

func TestRemoveReplicaTerminatesRunnables(t *testing.T) {
	a, leader := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.readLoop(ctx)

	spec, err := json.Marshal(PlacementSpec{RunnableCount: 1})
	require.NoError(t, err)
	require.NoError(t, leader.send(transport.KindReplicaPlace, transport.ReplicaPlace{ReplicaID: "r3", Spec: spec}))

	require.Eventually(t, func() bool { return len(leader.snapshotStatuses()) >= 1 }, time.Second, 5*time.Millisecond)

	a.mu.Lock()
	lr := a.replicas["r3"]
	runnableID := lr.runnableIDs[0]
	a.mu.Unlock()

	require.NoError(t, leader.send(transport.KindReplicaRemove, transport.ReplicaRemove{ReplicaID: "r3"}))

	require.Eventually(t, func() bool {
		a.mu.Lock()
		_, ok := a.replicas["r3"]
		a.mu.Unlock()
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok := a.registry.Get(runnableID)
	assert.False(t, ok, "runnable should have been reaped from the registry")
}

func TestCreateCheckerRejectsUnknownKind(t *testing.T) {
	_, err := createChecker(&types.HealthCheckSpec{Kind: types.HealthCheckKind("bogus")})
	require.Error(t, err)
}

func TestHealthProbeStatusDrivesReportedHealth(t *testing.T) {
	status := healthprobe.NewStatus()
	assert.Equal(t, types.ReplicaStarting, status.Health)
	status.Update(healthprobe.Result{Healthy: true, CheckedAt: time.Now()})
	assert.Equal(t, types.ReplicaHealthy, status.Health)
}
