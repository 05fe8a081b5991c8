/*
Package loadbalancer dispatches a request to one healthy replica of a
service. Each algorithm operates over the same per-service member list
(replica id, endpoint, weight, in-flight count, healthy flag); pick skips
unhealthy members but leaves them in the list until pkg/servicemgr removes
them outright.
*/
package loadbalancer

import (
	"math/rand"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
)

// Algorithm selects which rule pick uses.
type Algorithm string

const (
	RoundRobin               Algorithm = "round_robin"
	LeastConnections         Algorithm = "least_connections"
	IPHash                   Algorithm = "ip_hash"
	WeightedRoundRobin       Algorithm = "weighted_round_robin"
	WeightedLeastConnections Algorithm = "weighted_least_connections"
	Random                   Algorithm = "random"
)

// Member is one replica as seen by the load balancer.
type Member struct {
	ReplicaID string
	Endpoint  string
	Weight    int
	InFlight  int
	Healthy   bool

	// current is the smooth-weighted round-robin running weight; it is
	// mutated only by pickWeightedRoundRobin and persists across picks.
	current int
}

// Balancer dispatches requests for one service to its healthy replicas.
type Balancer struct {
	mu        sync.Mutex
	algorithm Algorithm
	members   map[string]*Member
	order     []string // insertion order, for RoundRobin/WeightedRoundRobin determinism
	rrCursor  int
	lcCursor  int
}

// New creates a Balancer using the given algorithm.
func New(algorithm Algorithm) *Balancer {
	return &Balancer{
		algorithm: algorithm,
		members:   make(map[string]*Member),
	}
}

// Put adds or updates a replica's membership entry.
func (b *Balancer) Put(m Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.members[m.ReplicaID]; !exists {
		b.order = append(b.order, m.ReplicaID)
	}
	if m.Weight <= 0 {
		m.Weight = 1
	}
	b.members[m.ReplicaID] = &m
}

// Remove deletes a replica from the member list outright.
func (b *Balancer) Remove(replicaID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, replicaID)
	for i, id := range b.order {
		if id == replicaID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Has reports whether a replica is currently in the member list.
func (b *Balancer) Has(replicaID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[replicaID]
	return ok
}

// MemberIDs returns the replica ids currently in the member list, in
// insertion order.
func (b *Balancer) MemberIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// SetHealthy updates a replica's healthy flag without removing it.
func (b *Balancer) SetHealthy(replicaID string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.members[replicaID]; ok {
		m.Healthy = healthy
	}
}

// Pick selects a healthy replica per the balancer's algorithm. clientKey is
// required for IPHash and ignored by every other algorithm.
func (b *Balancer) Pick(clientKey string) (*Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	metrics.PicksTotal.WithLabelValues(string(b.algorithm)).Inc()

	healthy := b.healthyOrdered()
	if len(healthy) == 0 {
		metrics.NoHealthyReplicaTotal.Inc()
		return nil, dslerr.NotFound("no healthy replica available")
	}

	var picked *Member
	switch b.algorithm {
	case RoundRobin:
		picked = b.pickRoundRobin(healthy)
	case LeastConnections:
		picked = b.pickLeastConnections()
	case IPHash:
		if clientKey == "" {
			return nil, dslerr.InvalidParameter("ip_hash requires a client key")
		}
		picked = b.pickIPHash(clientKey)
	case WeightedRoundRobin:
		picked = b.pickWeightedRoundRobin(healthy)
	case WeightedLeastConnections:
		picked = pickWeightedLeastConnections(healthy)
	case Random:
		picked = healthy[rand.Intn(len(healthy))]
	default:
		picked = b.pickRoundRobin(healthy)
	}

	if picked == nil {
		metrics.NoHealthyReplicaTotal.Inc()
		return nil, dslerr.NotFound("no healthy replica available")
	}
	picked.InFlight++
	return &Member{ReplicaID: picked.ReplicaID, Endpoint: picked.Endpoint, Weight: picked.Weight, InFlight: picked.InFlight, Healthy: picked.Healthy}, nil
}

// Release decrements a replica's in-flight count after a request completes.
func (b *Balancer) Release(replicaID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.members[replicaID]; ok && m.InFlight > 0 {
		m.InFlight--
	}
}

func (b *Balancer) healthyOrdered() []*Member {
	var out []*Member
	for _, id := range b.order {
		if m := b.members[id]; m.Healthy {
			out = append(out, m)
		}
	}
	return out
}

// pickRoundRobin advances a cursor over the full member order, skipping
// unhealthy entries, so a replica that recovers resumes its slot rather
// than the rotation compacting around gaps.
func (b *Balancer) pickRoundRobin(healthy []*Member) *Member {
	n := len(b.order)
	for i := 0; i < n; i++ {
		idx := (b.rrCursor + i) % n
		m := b.members[b.order[idx]]
		if m.Healthy {
			b.rrCursor = (idx + 1) % n
			return m
		}
	}
	return healthy[0]
}

// pickLeastConnections scans starting from a rotating cursor and only
// replaces the running minimum on a strictly lower in-flight count, so
// equal-load members tie-break by index (per the design's tie-break rule)
// and that tie-break itself rotates fairly across repeated picks.
func (b *Balancer) pickLeastConnections() *Member {
	n := len(b.order)
	best := -1
	bestInFlight := 0
	for i := 0; i < n; i++ {
		idx := (b.lcCursor + i) % n
		m := b.members[b.order[idx]]
		if !m.Healthy {
			continue
		}
		if best == -1 || m.InFlight < bestInFlight {
			best = idx
			bestInFlight = m.InFlight
		}
	}
	if best == -1 {
		return nil
	}
	b.lcCursor = (best + 1) % n
	return b.members[b.order[best]]
}

func pickWeightedLeastConnections(healthy []*Member) *Member {
	best := healthy[0]
	bestRatio := float64(best.InFlight) / float64(best.Weight)
	for _, m := range healthy[1:] {
		ratio := float64(m.InFlight) / float64(m.Weight)
		if ratio < bestRatio {
			best, bestRatio = m, ratio
		}
	}
	return best
}

// pickWeightedRoundRobin implements nginx's smooth weighted round-robin:
// each member's running weight accrues by its configured weight every
// pick, the highest running weight is chosen and then discounted by the
// total weight, spreading picks proportionally without bursts.
func (b *Balancer) pickWeightedRoundRobin(healthy []*Member) *Member {
	total := 0
	for _, m := range healthy {
		m.current += m.Weight
		total += m.Weight
	}
	best := healthy[0]
	for _, m := range healthy[1:] {
		if m.current > best.current {
			best = m
		}
	}
	best.current -= total
	return best
}

// pickIPHash uses rendezvous hashing over the healthy subset so membership
// changes elsewhere in the cluster remap the fewest possible client keys.
func (b *Balancer) pickIPHash(clientKey string) *Member {
	healthy := b.healthyOrdered()
	if len(healthy) == 0 {
		return nil
	}
	nodes := make([]string, len(healthy))
	byID := make(map[string]*Member, len(healthy))
	for i, m := range healthy {
		nodes[i] = m.ReplicaID
		byID[m.ReplicaID] = m
	}
	h := rendezvous.New(nodes, xxhashString)
	return byID[h.Lookup(clientKey)]
}
