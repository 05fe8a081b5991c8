package runnable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

func TestCreateDefaultsAffinity(t *testing.T) {
	reg := New(clock.NewMonotonic())
	id, err := reg.Create(10, 0, 4, 0, 0)
	require.NoError(t, err)

	r, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.AllCPUs(4), r.Affinity)
	assert.Equal(t, types.RunnableReady, r.State)
}

func TestCreateRejectsOutOfRangePriority(t *testing.T) {
	reg := New(clock.NewMonotonic())
	_, err := reg.Create(types.MaxPriority+1, types.AllCPUs(2), 2, 0, 0)
	require.Error(t, err)
	assert.Equal(t, dslerr.CodeInvalidParameter, dslerr.GetCode(err))
}

func TestSetPriorityRejectsUnknownRunnable(t *testing.T) {
	reg := New(clock.NewMonotonic())
	err := reg.SetPriority(999, 5)
	require.Error(t, err)
	assert.Equal(t, dslerr.CodeNotFound, dslerr.GetCode(err))
}

func TestSignalWakesWaiter(t *testing.T) {
	fc := clock.NewFake()
	reg := New(fc)
	id, err := reg.Create(5, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)

	done := make(chan WaitResult, 1)
	go func() {
		res, _ := reg.Wait(context.Background(), id, "chan-1", fc.Now()+clock.Tick(time.Hour))
		done <- res
	}()

	assert.Eventually(t, func() bool {
		r, _ := reg.Get(id)
		return r.State == types.RunnableWaiting
	}, time.Second, time.Millisecond)

	woken := reg.Signal("chan-1")
	assert.Contains(t, woken, id)

	select {
	case res := <-done:
		assert.Equal(t, Signaled, res)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after signal")
	}

	r, _ := reg.Get(id)
	assert.Equal(t, types.RunnableReady, r.State)
}

func TestTerminateWakesWaiterCancelled(t *testing.T) {
	fc := clock.NewFake()
	reg := New(fc)
	id, err := reg.Create(5, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)

	done := make(chan WaitResult, 1)
	go func() {
		res, _ := reg.Wait(context.Background(), id, "obj-x", fc.Now()+clock.Tick(time.Hour))
		done <- res
	}()

	assert.Eventually(t, func() bool {
		r, _ := reg.Get(id)
		return r.State == types.RunnableWaiting
	}, time.Second, time.Millisecond)

	require.NoError(t, reg.Terminate(id))

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after terminate")
	}
}

func TestPriorityInheritanceBookkeeping(t *testing.T) {
	reg := New(clock.NewMonotonic())
	holderID, err := reg.Create(2, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)
	waiterID, err := reg.Create(20, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)

	prev := reg.AcquireLock("lock-a", holderID)
	assert.Equal(t, uint64(0), prev)
	reg.RecordLockWaiter("lock-a", waiterID, 20)

	holder, maxPriority := reg.HolderAndMaxWaiterPriority("lock-a")
	assert.Equal(t, holderID, holder)
	assert.Equal(t, 20, maxPriority)

	reg.ReleaseLock("lock-a")
	holder, maxPriority = reg.HolderAndMaxWaiterPriority("lock-a")
	assert.Equal(t, uint64(0), holder)
	assert.Equal(t, -1, maxPriority)
}

func TestReapRequiresTerminated(t *testing.T) {
	reg := New(clock.NewMonotonic())
	id, err := reg.Create(1, types.AllCPUs(1), 1, 0, 0)
	require.NoError(t, err)

	err = reg.Reap(id)
	require.Error(t, err)
	assert.Equal(t, dslerr.CodeConflict, dslerr.GetCode(err))

	require.NoError(t, reg.Terminate(id))
	require.NoError(t, reg.Reap(id))
	_, ok := reg.Get(id)
	assert.False(t, ok)
}
