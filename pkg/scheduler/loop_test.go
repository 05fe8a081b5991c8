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

func TestRunLoopExecutesAndRequeues(t *testing.T) {
	fc := clock.NewFake()
	reg := runnable.New(fc)
	s := New(1, reg, fc, config.AlgorithmPriority, time.Millisecond)

	id, err := reg.Create(10, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	stopCh := make(chan struct{})
	go s.RunLoop(stopCh)

	// The loop should keep cycling the runnable through Running and back
	// to Ready, accumulating CPU time as it goes.
	require.Eventually(t, func() bool {
		r, ok := reg.Get(id)
		return ok && r.CPUTimeTicks > 0
	}, 2*time.Second, 5*time.Millisecond)
	close(stopCh)
}

func TestRunLoopDropsTerminatedRunnable(t *testing.T) {
	fc := clock.NewFake()
	reg := runnable.New(fc)
	s := New(1, reg, fc, config.AlgorithmPriority, time.Millisecond)

	id, err := reg.Create(10, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(id))

	stopCh := make(chan struct{})
	defer close(stopCh)
	go s.RunLoop(stopCh)

	require.Eventually(t, func() bool {
		r, ok := reg.Get(id)
		return ok && r.CPUTimeTicks > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Terminate(id))
	require.Eventually(t, func() bool {
		r, ok := reg.Get(id)
		return ok && r.State == types.RunnableTerminated
	}, 2*time.Second, 5*time.Millisecond)

	// Once terminated it must not be re-enqueued.
	ticks := func() int64 {
		r, _ := reg.Get(id)
		return r.CPUTimeTicks
	}
	settled := ticks()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, ticks()-settled, int64(2), "terminated runnable kept accruing CPU time")
}
