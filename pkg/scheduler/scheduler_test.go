package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/config"
	"github.com/DslsDZC/dslos-core/pkg/runnable"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

func newTestScheduler(algo config.SchedulerAlgorithm) (*Scheduler, *runnable.Registry) {
	fc := clock.NewFake()
	reg := runnable.New(fc)
	s := New(2, reg, fc, algo, 10*time.Millisecond)
	return s, reg
}

func TestEnqueuePicksHighestPriorityFirst(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmPriority)

	low, err := reg.Create(2, types.Affinity(1), 2, 0, 0) // pin to CPU 0 so both share a queue
	require.NoError(t, err)
	high, err := reg.Create(20, types.Affinity(1), 2, 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(low))
	require.NoError(t, s.Enqueue(high))

	id, _, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, high, id)
}

func TestRoundRobinIgnoresPriorityOrder(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmRoundRobin)

	first, err := reg.Create(2, types.Affinity(1), 2, 0, 0)
	require.NoError(t, err)
	second, err := reg.Create(20, types.Affinity(1), 2, 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(first))
	require.NoError(t, s.Enqueue(second))

	id, _, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, first, id, "round robin should dispatch in arrival order regardless of priority")
}

func TestQuantumScalesWithPriority(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmPriority)

	id, err := reg.Create(8, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	_, quantum, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, quantum) // T0*(1+8/8) = 2*T0
}

func TestEnqueueRejectsEmptyAffinityOnAllCPUs(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmPriority)
	id, err := reg.Create(1, types.Affinity(1<<10), 2, 0, 0) // only CPU 10, scheduler has 2 CPUs
	require.NoError(t, err)

	err = s.Enqueue(id)
	require.Error(t, err)
}

func TestPickEmptyReturnsFalse(t *testing.T) {
	s, _ := newTestScheduler(config.AlgorithmPriority)
	_, _, ok := s.Pick(0)
	assert.False(t, ok)
}

func TestAdaptivePromotesStarvedRunnable(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmAdaptive)
	id, err := reg.Create(1, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	// force the runnable to look old enough to be starved
	time.Sleep(starvationThreshold + 10*time.Millisecond)

	s.promoteStarved(s.cpus[0])

	r, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, 2, r.EffectivePriority)
}

func TestPriorityInheritanceBoostsHolder(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmPriority)
	holder, err := reg.Create(2, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	reg.AcquireLock("lock-x", holder)
	reg.RecordLockWaiter("lock-x", 999, 25)

	require.NoError(t, s.Enqueue(holder))
	id, _, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, holder, id)

	r, _ := reg.Get(holder)
	assert.Equal(t, 25, r.EffectivePriority)
}

func TestRebalanceMovesWorkToIdleCPU(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmLoadBalancing)
	for i := 0; i < 4; i++ {
		id, err := reg.Create(5, types.AllCPUs(2), 2, 0, 0)
		require.NoError(t, err)
		s.cpus[0].enqueue(id, 5)
	}

	assert.Equal(t, 4, s.cpus[0].len())
	assert.Equal(t, 0, s.cpus[1].len())

	s.Rebalance()

	assert.Greater(t, s.cpus[1].len(), 0)
	assert.Equal(t, 1, s.cpus[1].len())
	assert.Equal(t, 3, s.cpus[0].len())
}

func TestRoundRobinQuantumIsFixed(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmRoundRobin)

	id, err := reg.Create(8, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	_, quantum, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, quantum, "round robin slice must not scale with priority")
}

func TestFairSharePrefersLeastVirtualTimeGroup(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmFairShare)
	s.EnsureGroup(1, 0, 1)
	s.EnsureGroup(2, 0, 1)

	busy, err := reg.Create(20, types.Affinity(1), 2, 1, 0) // pin to CPU 0 so both share a queue
	require.NoError(t, err)
	idle, err := reg.Create(5, types.Affinity(1), 2, 2, 0)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(busy))
	require.NoError(t, s.Enqueue(idle))

	// Charge group 1 so group 2's runnable must win despite its lower
	// priority.
	s.RecordCompletion(0, busy, 100)

	id, _, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, idle, id)
}

func TestFairShareTieBreaksByLowerRunnableID(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmFairShare)
	s.EnsureGroup(1, 0, 1)
	s.EnsureGroup(2, 0, 1)

	first, err := reg.Create(3, types.Affinity(1), 2, 1, 0)
	require.NoError(t, err)
	second, err := reg.Create(30, types.Affinity(1), 2, 2, 0)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(first))
	require.NoError(t, s.Enqueue(second))

	id, _, ok := s.Pick(0)
	require.True(t, ok)
	assert.Equal(t, first, id, "equal virtual time must fall back to the lower runnable id")
}

func TestRebalanceNeverMigratesRealTimeRunnables(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmLoadBalancing)
	for i := 0; i < 4; i++ {
		id, err := reg.Create(types.RealTimePriority, types.AllCPUs(2), 2, 0, 0)
		require.NoError(t, err)
		s.cpus[0].enqueue(id, types.RealTimePriority)
	}

	s.Rebalance()

	assert.Equal(t, 4, s.cpus[0].len(), "real-time queue must be left alone")
	assert.Equal(t, 0, s.cpus[1].len())
}

func TestRebalancePicksVictimBelowRealTimeBand(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmLoadBalancing)
	rt, err := reg.Create(types.RealTimePriority, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	s.cpus[0].enqueue(rt, types.RealTimePriority)
	normal, err := reg.Create(10, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	s.cpus[0].enqueue(normal, 10)
	extra, err := reg.Create(10, types.AllCPUs(2), 2, 0, 0)
	require.NoError(t, err)
	s.cpus[0].enqueue(extra, 10)

	s.Rebalance()

	moved := s.cpus[1].entries()
	require.Len(t, moved, 1)
	assert.Equal(t, normal, moved[0].id, "the migrated runnable must come from below the real-time band")
}

func TestRecordCompletionAccruesGroupVirtualTime(t *testing.T) {
	s, reg := newTestScheduler(config.AlgorithmFairShare)
	s.EnsureGroup(7, 0, 2)
	id, err := reg.Create(5, types.AllCPUs(2), 2, 7, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	_, _, ok := s.Pick(0)
	require.True(t, ok)

	s.RecordCompletion(0, id, 100)

	s.mu.Lock()
	vt := s.groups[7].VirtualTime
	s.mu.Unlock()
	assert.Equal(t, 50.0, vt) // 100 ticks / weight 2
}
