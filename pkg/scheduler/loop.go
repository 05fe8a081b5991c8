package scheduler

import (
	"time"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

// rebalanceInterval is how often the cross-CPU migration pass runs while
// the loop is active.
const rebalanceInterval = 100 * time.Millisecond

// RunLoop drives one scheduling goroutine per CPU plus the periodic
// rebalancer until stopCh closes. Each CPU loop picks, holds the picked
// runnable for its quantum (the context switch itself is the platform
// layer's black box), records the consumed time, and re-enqueues the
// runnable if it is still runnable.
func (s *Scheduler) RunLoop(stopCh <-chan struct{}) {
	for i := range s.cpus {
		go s.runCPU(i, stopCh)
	}
	ticker := time.NewTicker(rebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Rebalance()
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) runCPU(idx int, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		id, quantum, ok := s.Pick(idx)
		if !ok {
			// Idle loop: nothing ready, no context switch charged.
			time.Sleep(s.baseQuantum)
			continue
		}

		time.Sleep(quantum)
		s.RecordCompletion(idx, id, int64(quantum/time.Millisecond))

		r, found := s.registry.Get(id)
		if !found || r.State != types.RunnableRunning {
			// Terminated, waiting or suspended mid-quantum; whoever moved
			// it owns its next transition.
			continue
		}
		if err := s.registry.SetState(id, types.RunnableReady); err != nil {
			continue
		}
		_ = s.Enqueue(id)
	}
}
