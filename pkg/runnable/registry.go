/*
Package runnable implements the Runnable (thread) abstraction: an id-keyed
registry with explicit ownership, re-expressing the source's opaque
KERNEL_OBJECT/reference-counting handles and intrusive wait lists as owned
Go maps guarded by the lock-ordering discipline (runnable-lock is always
innermost).

The registry is shard-locked by id hash so unrelated runnables never
contend on the same mutex. Go has no first-class RCU primitive, and a
hand-rolled epoch reclaimer is a kernel-level concurrency construct with
no business in a package that can get the same read scalability from
sharded RWMutexes, so that is what this is.

Actual context-switching execution of a runnable's code belongs to the
platform layer; this package only tracks scheduling-relevant state
transitions.
*/
package runnable

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

const shardCount = 16

type shard struct {
	mu        sync.RWMutex
	runnables map[uint64]*entry
}

type entry struct {
	r        types.Runnable
	waitCh   chan WaitResult
	cancelCh chan struct{}
}

// WaitResult is the outcome of a Wait call.
type WaitResult int

const (
	Signaled WaitResult = iota
	TimedOut
	Cancelled
)

// Registry owns every Runnable's control block.
type Registry struct {
	clock     clock.Clock
	shards    [shardCount]*shard
	nextID    uint64
	waitMu    sync.Mutex
	waitIndex map[string][]uint64 // wait object -> ids currently waiting on it
	lockMu    sync.Mutex
	lockOwner map[string]uint64 // lock object -> current holder runnable id
	lockWaiters map[string]map[uint64]int // lock object -> waiter id -> priority, for inheritance
}

// New creates an empty registry bound to clk.
func New(clk clock.Clock) *Registry {
	reg := &Registry{
		clock:       clk,
		waitIndex:   make(map[string][]uint64),
		lockOwner:   make(map[string]uint64),
		lockWaiters: make(map[string]map[uint64]int),
	}
	for i := range reg.shards {
		reg.shards[i] = &shard{runnables: make(map[uint64]*entry)}
	}
	return reg
}

func (reg *Registry) shardFor(id uint64) *shard {
	return reg.shards[id%shardCount]
}

// Create allocates a control block in state Ready. A zero affinity mask
// defaults to all of cpuCount CPUs.
func (reg *Registry) Create(priority int, affinity types.Affinity, cpuCount int, groupID uint32, ownerProcessID uint64) (uint64, error) {
	if priority < types.MinPriority || priority > types.MaxPriority {
		return 0, dslerr.InvalidParameter("priority %d out of range [%d,%d]", priority, types.MinPriority, types.MaxPriority)
	}
	if affinity == 0 {
		affinity = types.AllCPUs(cpuCount)
	}
	if affinity == 0 {
		return 0, dslerr.InvalidParameter("affinity mask excludes all CPUs")
	}

	id := atomic.AddUint64(&reg.nextID, 1)
	r := types.Runnable{
		ID:                id,
		GroupID:           groupID,
		OwnerProcessID:    ownerProcessID,
		State:             types.RunnableReady,
		BasePriority:      priority,
		EffectivePriority: priority,
		Affinity:          affinity,
		LastCPU:           -1,
		CreatedAt:         time.Now(),
	}
	e := &entry{r: r}
	sh := reg.shardFor(id)
	sh.mu.Lock()
	sh.runnables[id] = e
	sh.mu.Unlock()
	return id, nil
}

// Get returns a copy of the runnable's current state.
func (reg *Registry) Get(id uint64) (types.Runnable, bool) {
	sh := reg.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.runnables[id]
	if !ok {
		return types.Runnable{}, false
	}
	return e.r, true
}

// SetPriority updates the base priority; effective priority is recomputed
// by the scheduler on the next scheduling event.
func (reg *Registry) SetPriority(id uint64, p int) error {
	if p < types.MinPriority || p > types.MaxPriority {
		return dslerr.InvalidParameter("priority %d out of range", p)
	}
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.runnables[id]
	if !ok {
		return dslerr.NotFound("runnable %d", id)
	}
	e.r.BasePriority = p
	if e.r.EffectivePriority < p {
		e.r.EffectivePriority = p
	}
	return nil
}

// SetEffectivePriority is called by the scheduler (FairShare/Adaptive/
// priority-inheritance); callers outside the scheduler use SetPriority.
func (reg *Registry) SetEffectivePriority(id uint64, p int) {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.runnables[id]; ok {
		e.r.EffectivePriority = p
	}
}

// SetAffinity updates the affinity mask. If the runnable is Running on a
// now-excluded CPU, the caller (scheduler) must migrate it before its next
// quantum; this method only records the new mask.
func (reg *Registry) SetAffinity(id uint64, mask types.Affinity) error {
	if mask == 0 {
		return dslerr.InvalidParameter("affinity mask must not be empty")
	}
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.runnables[id]
	if !ok {
		return dslerr.NotFound("runnable %d", id)
	}
	e.r.Affinity = mask
	return nil
}

// SetState transitions the runnable to a new state. Used internally by the
// scheduler to drive Ready<->Running<->Waiting<->Suspended<->Terminated.
func (reg *Registry) SetState(id uint64, state types.RunnableState) error {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.runnables[id]
	if !ok {
		return dslerr.NotFound("runnable %d", id)
	}
	if e.r.State == types.RunnableTerminated && state != types.RunnableTerminated {
		return dslerr.Conflict(string(e.r.State), "runnable %d is terminated", id)
	}
	e.r.State = state
	if state == types.RunnableTerminated {
		e.r.TerminatedAt = time.Now()
	}
	return nil
}

// RecordRun updates LastCPU and accumulates CPU time after a quantum.
func (reg *Registry) RecordRun(id uint64, cpu int, ticks int64) {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.runnables[id]; ok {
		e.r.LastCPU = cpu
		e.r.CPUTimeTicks += ticks
	}
}

// Wait atomically transitions the caller to Waiting(obj, deadline) and
// blocks until Signaled, TimedOut or Cancelled.
func (reg *Registry) Wait(ctx context.Context, id uint64, obj string, deadline clock.Tick) (WaitResult, error) {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.runnables[id]
	if !ok {
		sh.mu.Unlock()
		return Cancelled, dslerr.NotFound("runnable %d", id)
	}
	if e.r.State == types.RunnableTerminated {
		sh.mu.Unlock()
		return Cancelled, nil
	}
	e.r.State = types.RunnableWaiting
	e.r.WaitObject = obj
	e.r.WaitReason = types.WaitObject
	e.r.WaitDeadline = int64(deadline)
	e.waitCh = make(chan WaitResult, 1)
	e.cancelCh = make(chan struct{})
	waitCh := e.waitCh
	cancelCh := e.cancelCh
	sh.mu.Unlock()

	reg.waitMu.Lock()
	reg.waitIndex[obj] = append(reg.waitIndex[obj], id)
	reg.waitMu.Unlock()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		reg.clock.SleepUntil(waitCtx, deadline)
		select {
		case waitCh <- TimedOut:
		default:
		}
	}()

	select {
	case res := <-waitCh:
		if res == Signaled {
			reg.setReady(id)
		} else if res == TimedOut {
			reg.setReady(id)
		}
		return res, nil
	case <-cancelCh:
		return Cancelled, nil
	case <-ctx.Done():
		return Cancelled, nil
	}
}

func (reg *Registry) setReady(id uint64) {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.runnables[id]; ok && e.r.State != types.RunnableTerminated {
		e.r.State = types.RunnableReady
		e.r.WaitObject = ""
		e.r.WaitReason = types.WaitNone
		e.r.WaitDeadline = 0
	}
}

// Signal wakes every runnable Waiting on obj; each transitions to Ready.
// Returns the ids woken.
func (reg *Registry) Signal(obj string) []uint64 {
	reg.waitMu.Lock()
	ids := reg.waitIndex[obj]
	delete(reg.waitIndex, obj)
	reg.waitMu.Unlock()

	woken := make([]uint64, 0, len(ids))
	for _, id := range ids {
		sh := reg.shardFor(id)
		sh.mu.RLock()
		e, ok := sh.runnables[id]
		sh.mu.RUnlock()
		if !ok || e.waitCh == nil {
			continue
		}
		select {
		case e.waitCh <- Signaled:
			woken = append(woken, id)
		default:
		}
	}
	return woken
}

// Terminate marks the runnable Terminated; any waiter is woken Cancelled.
func (reg *Registry) Terminate(id uint64) error {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.runnables[id]
	if !ok {
		sh.mu.Unlock()
		return dslerr.NotFound("runnable %d", id)
	}
	wasWaiting := e.r.State == types.RunnableWaiting
	e.r.State = types.RunnableTerminated
	e.r.TerminatedAt = time.Now()
	cancelCh := e.cancelCh
	sh.mu.Unlock()

	if wasWaiting && cancelCh != nil {
		select {
		case <-cancelCh:
		default:
			close(cancelCh)
		}
	}
	return nil
}

// Reap removes a Terminated runnable from the registry once its owner has
// released the last reference.
func (reg *Registry) Reap(id uint64) error {
	sh := reg.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.runnables[id]
	if !ok {
		return dslerr.NotFound("runnable %d", id)
	}
	if e.r.State != types.RunnableTerminated {
		return dslerr.Conflict(string(e.r.State), "runnable %d is not terminated", id)
	}
	delete(sh.runnables, id)
	return nil
}

// AcquireLock records id as the holder of a scheduler-visible lock object,
// used by the scheduler's priority inheritance rule. Returns the previous
// holder (0 if none).
func (reg *Registry) AcquireLock(lockObj string, id uint64) uint64 {
	reg.lockMu.Lock()
	defer reg.lockMu.Unlock()
	prev := reg.lockOwner[lockObj]
	reg.lockOwner[lockObj] = id
	return prev
}

// ReleaseLock clears the holder of a lock object.
func (reg *Registry) ReleaseLock(lockObj string) {
	reg.lockMu.Lock()
	defer reg.lockMu.Unlock()
	delete(reg.lockOwner, lockObj)
	delete(reg.lockWaiters, lockObj)
}

// RecordLockWaiter notes that waiterID (at the given priority) is blocked
// on lockObj; used to compute the inheritance boost for the holder.
func (reg *Registry) RecordLockWaiter(lockObj string, waiterID uint64, priority int) {
	reg.lockMu.Lock()
	defer reg.lockMu.Unlock()
	if reg.lockWaiters[lockObj] == nil {
		reg.lockWaiters[lockObj] = make(map[uint64]int)
	}
	reg.lockWaiters[lockObj][waiterID] = priority
}

// HolderAndMaxWaiterPriority reports the current holder of lockObj and the
// highest priority among its recorded waiters (-1 if none), for the
// scheduler to apply priority inheritance.
func (reg *Registry) HolderAndMaxWaiterPriority(lockObj string) (holder uint64, maxPriority int) {
	reg.lockMu.Lock()
	defer reg.lockMu.Unlock()
	holder = reg.lockOwner[lockObj]
	maxPriority = -1
	for _, p := range reg.lockWaiters[lockObj] {
		if p > maxPriority {
			maxPriority = p
		}
	}
	return holder, maxPriority
}

// HeldLocksMaxWaiterPriority scans every lock object currently held by
// holderID and returns the highest waiter priority recorded against any of
// them (-1 if holderID holds no lock with a waiter). Used by the scheduler
// to apply priority inheritance to the runnable it is about to run.
func (reg *Registry) HeldLocksMaxWaiterPriority(holderID uint64) int {
	reg.lockMu.Lock()
	defer reg.lockMu.Unlock()
	maxPriority := -1
	for lockObj, owner := range reg.lockOwner {
		if owner != holderID {
			continue
		}
		for _, p := range reg.lockWaiters[lockObj] {
			if p > maxPriority {
				maxPriority = p
			}
		}
	}
	return maxPriority
}

// All returns a snapshot of every runnable currently registered.
func (reg *Registry) All() []types.Runnable {
	var out []types.Runnable
	for _, sh := range reg.shards {
		sh.mu.RLock()
		for _, e := range sh.runnables {
			out = append(out, e.r)
		}
		sh.mu.RUnlock()
	}
	return out
}
