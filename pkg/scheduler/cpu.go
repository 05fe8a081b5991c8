package scheduler

import (
	"container/list"
	"sync"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

const priorityLevels = types.MaxPriority + 1

type qEntry struct {
	id       uint64
	priority int
}

// cpu holds the 32 per-priority ready queues for one logical processor,
// plus a priority-blind arrival queue used by the RoundRobin algorithm.
type cpu struct {
	id      int
	mu      sync.Mutex
	queues  [priorityLevels]*list.List
	arrival *list.List
	running uint64 // 0 = idle
	loadEMA float64
}

func newCPU(id int) *cpu {
	c := &cpu{id: id, arrival: list.New()}
	for i := range c.queues {
		c.queues[i] = list.New()
	}
	return c
}

func (c *cpu) enqueue(id uint64, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := qEntry{id: id, priority: priority}
	c.queues[priority].PushBack(e)
	c.arrival.PushBack(e)
}

// removeFromArrival scans and removes the first entry matching id. Ready
// queues are not a hot path for this scheduler (replica/runnable counts
// per node are small), so O(n) removal is acceptable.
func (c *cpu) removeFromArrival(id uint64) {
	for el := c.arrival.Front(); el != nil; el = el.Next() {
		if el.Value.(qEntry).id == id {
			c.arrival.Remove(el)
			return
		}
	}
}

func (c *cpu) removeFromLevel(priority int, id uint64) {
	q := c.queues[priority]
	for el := q.Front(); el != nil; el = el.Next() {
		if el.Value.(qEntry).id == id {
			q.Remove(el)
			return
		}
	}
}

// dequeueHighest pops the front of the highest non-empty level at or above
// minLevel, or ok=false if every such level is empty.
func (c *cpu) dequeueHighest(minLevel int) (qEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for level := priorityLevels - 1; level >= minLevel; level-- {
		q := c.queues[level]
		if q.Len() == 0 {
			continue
		}
		el := q.Front()
		e := el.Value.(qEntry)
		q.Remove(el)
		c.removeFromArrival(e.id)
		return e, true
	}
	return qEntry{}, false
}

// dequeueArrival pops the oldest-enqueued runnable regardless of priority.
func (c *cpu) dequeueArrival() (qEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.arrival.Front()
	if el == nil {
		return qEntry{}, false
	}
	e := el.Value.(qEntry)
	c.arrival.Remove(el)
	c.removeFromLevel(e.priority, e.id)
	return e, true
}

// dequeueBelow pops the front of the highest non-empty level strictly
// below limit, or ok=false if every such level is empty. Used by the
// rebalancer to select migration victims without touching the real-time
// band.
func (c *cpu) dequeueBelow(limit int) (qEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for level := limit - 1; level >= 0; level-- {
		q := c.queues[level]
		if q.Len() == 0 {
			continue
		}
		el := q.Front()
		e := el.Value.(qEntry)
		q.Remove(el)
		c.removeFromArrival(e.id)
		return e, true
	}
	return qEntry{}, false
}

// entries returns a snapshot of every queued entry, in arrival order.
func (c *cpu) entries() []qEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]qEntry, 0, c.arrival.Len())
	for el := c.arrival.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(qEntry))
	}
	return out
}

// remove deletes one queued entry from both indexes.
func (c *cpu) remove(id uint64, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeFromLevel(priority, id)
	c.removeFromArrival(id)
}

// len returns the total number of ready runnables queued on this CPU.
func (c *cpu) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arrival.Len()
}

// oldestWaiting reports, for starvation detection, the longest-waiting
// entry (the arrival queue's front), or ok=false if the CPU has none.
func (c *cpu) oldestWaiting() (qEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.arrival.Front()
	if el == nil {
		return qEntry{}, false
	}
	return el.Value.(qEntry), true
}

// requeueAtLevel re-inserts an entry (used when promoting priority for
// starvation avoidance: remove at old level, enqueue at new one).
func (c *cpu) requeueAtLevel(id uint64, oldLevel, newLevel int) {
	c.mu.Lock()
	c.removeFromLevel(oldLevel, id)
	c.removeFromArrival(id)
	c.mu.Unlock()
	c.enqueue(id, newLevel)
}
