package servicemgr

import (
	"sort"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

// rankNodes orders candidate nodes by the placement policy: bin-pack by
// resource request (prefer the node with the most free capacity, so a
// request settles onto a node that already has room rather than spreading
// thin), spread by failure domain (among equally free nodes, prefer the one
// already running the fewest replicas of this service).
func rankNodes(nodes []*types.Node, svc *types.Service, replicas []*types.Replica) []*types.Node {
	existingOnNode := make(map[string]int)
	for _, r := range replicas {
		if r.ServiceID == svc.ID {
			existingOnNode[r.NodeID]++
		}
	}

	ranked := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State == types.NodeOnline && !n.Suspected && !n.Failed {
			ranked = append(ranked, n)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		fa, fb := a.Free(), b.Free()
		if fa.CPUCores != fb.CPUCores {
			return fa.CPUCores > fb.CPUCores
		}
		if fa.MemoryBytes != fb.MemoryBytes {
			return fa.MemoryBytes > fb.MemoryBytes
		}
		return existingOnNode[a.ID] < existingOnNode[b.ID]
	})

	return ranked
}

// selectNode picks the top-ranked node with enough free capacity for req,
// or nil if none qualifies.
func selectNode(nodes []*types.Node, req types.ResourceCapacity, svc *types.Service, replicas []*types.Replica) *types.Node {
	for _, n := range rankNodes(nodes, svc, replicas) {
		if n.Free().Fits(req) {
			return n
		}
	}
	return nil
}

// scaleDownVictims orders replicas of svc by the de-scale precedence:
// Unhealthy first, then the replica on the most heavily loaded node, then
// the newest replica.
func scaleDownVictims(replicas []*types.Replica, nodeByID map[string]*types.Node, count int) []*types.Replica {
	candidates := make([]*types.Replica, len(replicas))
	copy(candidates, replicas)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aUnhealthy := a.Health == types.ReplicaUnhealthy || a.Health == types.ReplicaGone
		bUnhealthy := b.Health == types.ReplicaUnhealthy || b.Health == types.ReplicaGone
		if aUnhealthy != bUnhealthy {
			return aUnhealthy
		}
		aLoad, bLoad := nodeLoad(nodeByID[a.NodeID]), nodeLoad(nodeByID[b.NodeID])
		if aLoad != bLoad {
			return aLoad > bLoad
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	return candidates[:count]
}

func nodeLoad(n *types.Node) float64 {
	if n == nil || n.Capacity.CPUCores == 0 {
		return 0
	}
	return n.Allocated.CPUCores / n.Capacity.CPUCores
}
