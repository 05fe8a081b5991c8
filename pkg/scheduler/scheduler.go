/*
Package scheduler implements the multi-algorithm, multi-CPU dispatcher: a
set of CPUs each exposing 32 per-priority ready queues, six pluggable
scheduling algorithms, fair-share group accounting, starvation avoidance
and cross-CPU load balancing.

The actual CONTEXT switch — saving and restoring a runnable's machine
registers — is architecture-specific and out of scope; Pick returns the
id of the runnable to run next and the quantum it should be given, and the
caller (RunLoop's per-CPU loop) is responsible for whatever it means to
"run" a Runnable in this system.
*/
package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/config"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/runnable"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// starvationThreshold is how long a runnable may sit Ready before the
// Adaptive algorithm promotes its effective priority by one level.
const starvationThreshold = 500 * time.Millisecond

// Scheduler dispatches Ready runnables across a fixed set of CPUs.
type Scheduler struct {
	mu        sync.Mutex
	cpus      []*cpu
	clk       clock.Clock
	registry  *runnable.Registry
	algorithm config.SchedulerAlgorithm
	baseQuantum time.Duration
	groups    map[uint32]*types.Group
}

// New creates a Scheduler with the given number of CPUs, backed by reg for
// runnable state and clk for timing.
func New(cpuCount int, reg *runnable.Registry, clk clock.Clock, algorithm config.SchedulerAlgorithm, baseQuantum time.Duration) *Scheduler {
	s := &Scheduler{
		clk:         clk,
		registry:    reg,
		algorithm:   algorithm,
		baseQuantum: baseQuantum,
		groups:      make(map[uint32]*types.Group),
	}
	for i := 0; i < cpuCount; i++ {
		s.cpus = append(s.cpus, newCPU(i))
	}
	s.groups[0] = &types.Group{ID: 0, Weight: 1, Members: make(map[uint64]struct{})}
	return s
}

// CPUCount returns the number of CPUs this scheduler manages.
func (s *Scheduler) CPUCount() int { return len(s.cpus) }

// EnsureGroup registers a fair-share group if it does not already exist.
func (s *Scheduler) EnsureGroup(id, parentID, weight uint32) {
	if weight == 0 {
		weight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		s.groups[id] = &types.Group{ID: id, ParentID: parentID, Weight: weight, Members: make(map[uint64]struct{})}
	}
}

// Enqueue places a Ready runnable onto one of the CPUs its affinity mask
// permits, choosing the least-loaded eligible CPU (the LoadBalancing and
// Adaptive algorithms rebalance afterwards as load shifts).
func (s *Scheduler) Enqueue(id uint64) error {
	r, ok := s.registry.Get(id)
	if !ok {
		return dslerr.NotFound("runnable %d", id)
	}
	if r.State != types.RunnableReady {
		return dslerr.Conflict(string(r.State), "runnable %d is not ready", id)
	}

	target := s.pickLeastLoadedEligible(r.Affinity)
	if target == nil {
		return dslerr.InsufficientResources("no CPU satisfies affinity mask for runnable %d", id)
	}
	target.enqueue(id, r.EffectivePriority)

	s.mu.Lock()
	g := s.groups[r.GroupID]
	if g == nil {
		g = &types.Group{ID: r.GroupID, Weight: 1, Members: make(map[uint64]struct{})}
		s.groups[r.GroupID] = g
	}
	g.Members[id] = struct{}{}
	s.mu.Unlock()

	metrics.ReadyQueueLength.WithLabelValues(cpuLabel(target.id)).Set(float64(target.len()))
	return nil
}

func (s *Scheduler) pickLeastLoadedEligible(aff types.Affinity) *cpu {
	var best *cpu
	bestLen := -1
	for _, c := range s.cpus {
		if !aff.Allows(c.id) {
			continue
		}
		l := c.len()
		if bestLen == -1 || l < bestLen {
			best, bestLen = c, l
		}
	}
	return best
}

// Pick selects the next runnable to run on the given CPU according to the
// active algorithm, transitions it to Running, and returns its id and the
// quantum it should be given. ok is false if the CPU's ready queues are
// empty.
func (s *Scheduler) Pick(cpuIdx int) (id uint64, quantum time.Duration, ok bool) {
	if cpuIdx < 0 || cpuIdx >= len(s.cpus) {
		return 0, 0, false
	}
	c := s.cpus[cpuIdx]
	s.promoteStarved(c)

	var e qEntry
	switch s.algorithm {
	case config.AlgorithmRoundRobin:
		e, ok = c.dequeueArrival()
	case config.AlgorithmRealTime:
		if e, ok = c.dequeueHighest(types.RealTimePriority); !ok {
			e, ok = c.dequeueHighest(types.MinPriority)
		}
	case config.AlgorithmFairShare:
		e, ok = s.pickFairShare(c)
	case config.AlgorithmPriority, config.AlgorithmLoadBalancing, config.AlgorithmAdaptive:
		e, ok = c.dequeueHighest(types.MinPriority)
	default:
		e, ok = c.dequeueHighest(types.MinPriority)
	}
	if !ok {
		c.mu.Lock()
		c.running = 0
		c.mu.Unlock()
		return 0, 0, false
	}

	boosted := s.applyPriorityInheritance(e.id, e.priority)
	// RoundRobin's slice is a fixed T0 regardless of priority; the other
	// algorithms scale it by T0*(1+p/8).
	q := s.baseQuantum
	if s.algorithm != config.AlgorithmRoundRobin {
		q = s.quantumFor(boosted)
	}

	c.mu.Lock()
	c.running = e.id
	c.mu.Unlock()

	_ = s.registry.SetState(e.id, types.RunnableRunning)
	metrics.SchedulesTotal.Inc()
	metrics.ContextSwitchesTotal.Inc()
	return e.id, q, true
}

// pickFairShare selects, among every runnable ready on c, the one whose
// group has accumulated the least virtual time (RecordCompletion advances
// v by executed_ticks/weight for the group that actually ran). Ties go to
// the lower runnable id. Groups with nothing ready are simply absent from
// the scan, so an idle group never holds back a busy sibling.
func (s *Scheduler) pickFairShare(c *cpu) (qEntry, bool) {
	entries := c.entries()
	if len(entries) == 0 {
		return qEntry{}, false
	}

	s.mu.Lock()
	best := entries[0]
	bestVT := s.virtualTimeLocked(best.id)
	for _, e := range entries[1:] {
		vt := s.virtualTimeLocked(e.id)
		if vt < bestVT || (vt == bestVT && e.id < best.id) {
			best, bestVT = e, vt
		}
	}
	s.mu.Unlock()

	c.remove(best.id, best.priority)
	return best, true
}

// virtualTimeLocked returns the accumulated virtual time of the group the
// runnable belongs to. Caller holds s.mu.
func (s *Scheduler) virtualTimeLocked(id uint64) float64 {
	r, ok := s.registry.Get(id)
	if !ok {
		return 0
	}
	if g := s.groups[r.GroupID]; g != nil {
		return g.VirtualTime
	}
	return 0
}

// promoteStarved implements the Adaptive algorithm's aging rule: if the
// oldest-waiting runnable on c has been Ready longer than
// starvationThreshold, bump it one priority level.
func (s *Scheduler) promoteStarved(c *cpu) {
	if s.algorithm != config.AlgorithmAdaptive {
		return
	}
	e, ok := c.oldestWaiting()
	if !ok || e.priority >= types.MaxPriority {
		return
	}
	r, ok := s.registry.Get(e.id)
	if !ok {
		return
	}
	if time.Since(r.CreatedAt) < starvationThreshold {
		return
	}
	if e.priority+1 > r.BasePriority+8 {
		return
	}
	c.requeueAtLevel(e.id, e.priority, e.priority+1)
	s.registry.SetEffectivePriority(e.id, e.priority+1)
	metrics.StarvationTotal.Inc()
}

// quantumFor scales the base quantum by priority: T = T0 * (1 + p/8).
func (s *Scheduler) quantumFor(priority int) time.Duration {
	factor := 1 + float64(priority)/8
	return time.Duration(float64(s.baseQuantum) * factor)
}

// applyPriorityInheritance checks whether the picked runnable holds any
// lock object with a higher-priority waiter and, if so, temporarily
// raises its effective priority for this quantum so it cannot be starved
// by lower-priority work while holding a resource others need.
func (s *Scheduler) applyPriorityInheritance(id uint64, basePriority int) int {
	waiterMax := s.registry.HeldLocksMaxWaiterPriority(id)
	if waiterMax <= basePriority {
		return basePriority
	}
	s.registry.SetEffectivePriority(id, waiterMax)
	return waiterMax
}

// RecordCompletion is called by RunLoop's per-CPU loop when a quantum ends (expiry,
// voluntary yield, or blocking wait). ticks is the CPU time actually
// consumed. It updates fair-share virtual time and CPU load.
func (s *Scheduler) RecordCompletion(cpuIdx int, id uint64, ticks int64) {
	s.registry.RecordRun(id, cpuIdx, ticks)

	r, ok := s.registry.Get(id)
	if ok && r.EffectivePriority > r.BasePriority {
		// Starvation and inheritance boosts decay one level per completed
		// quantum once the runnable is getting CPU again; inheritance is
		// re-applied at the next Pick if the lock is still contended.
		s.registry.SetEffectivePriority(id, r.EffectivePriority-1)
	}
	if ok {
		s.mu.Lock()
		g := s.groups[r.GroupID]
		if g != nil {
			weight := g.Weight
			if weight == 0 {
				weight = 1
			}
			g.VirtualTime += float64(ticks) / float64(weight)
		}
		s.mu.Unlock()
	}

	if cpuIdx >= 0 && cpuIdx < len(s.cpus) {
		c := s.cpus[cpuIdx]
		c.mu.Lock()
		if c.running == id {
			c.running = 0
		}
		depth := float64(c.arrival.Len())
		const alpha = 0.3
		busy := 0.0
		if c.running != 0 {
			busy = 100
		}
		c.loadEMA = alpha*busy + (1-alpha)*c.loadEMA
		c.mu.Unlock()
		metrics.CPULoad.WithLabelValues(cpuLabel(cpuIdx)).Set(depth)
	}
}

// Rebalance implements the LoadBalancing and Adaptive algorithms' cross-CPU
// migration: it moves the head of the busiest CPU's highest non-empty
// queue below the real-time band to the least-loaded CPU that its affinity
// allows, if the imbalance exceeds one runnable. Real-time runnables are
// never migrated by load balancing; only a CPU going offline moves them.
func (s *Scheduler) Rebalance() {
	if s.algorithm != config.AlgorithmLoadBalancing && s.algorithm != config.AlgorithmAdaptive {
		return
	}
	var busiest, idlest *cpu
	for _, c := range s.cpus {
		l := c.len()
		if busiest == nil || l > busiest.len() {
			busiest = c
		}
		if idlest == nil || l < idlest.len() {
			idlest = c
		}
	}
	if busiest == nil || idlest == nil || busiest == idlest {
		return
	}
	if busiest.len()-idlest.len() < 2 {
		return
	}

	e, ok := busiest.dequeueBelow(types.RealTimePriority)
	if !ok {
		return
	}
	r, ok := s.registry.Get(e.id)
	if !ok || !r.Affinity.Allows(idlest.id) {
		busiest.enqueue(e.id, e.priority)
		return
	}
	idlest.enqueue(e.id, e.priority)
	metrics.LoadBalanceOpsTotal.Inc()
}

func cpuLabel(idx int) string {
	return strconv.Itoa(idx)
}
