/*
Package servicemgr implements declarative service lifecycle: create,
start, scale, update and stop a service, placing its replicas across
cluster nodes via the bin-pack-by-resource/spread-by-failure-domain
policy and reacting to node failures reported by pkg/cluster's liveness
layer. Every write goes through the underlying *cluster.Cluster so it is
Raft-replicated and only ever executed on the current leader.
*/
package servicemgr

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DslsDZC/dslos-core/pkg/cluster"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/events"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// Dispatcher pushes placement and removal instructions to the node agent
// running on a given node. pkg/agent's Hub implements it; both methods are
// best-effort (a disconnected node is not an error here — the
// reconciliation loop and HandleNodeFailed are what actually notice and
// correct a placement that never converges).
type Dispatcher interface {
	PlaceReplica(nodeID string, replica *types.Replica, spec types.ServiceSpec) error
	RemoveReplica(nodeID, replicaID string) error
}

// Manager owns service and replica lifecycle for one cluster.
type Manager struct {
	cluster    *cluster.Cluster
	broker     *events.Broker
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// New creates a Manager backed by c. broker may be nil.
func New(c *cluster.Cluster, broker *events.Broker) *Manager {
	return &Manager{cluster: c, broker: broker, logger: log.WithComponent("servicemgr")}
}

// SetDispatcher wires the node-agent dispatcher used to push placement and
// removal instructions. Optional; with none set, replicas are recorded but
// no agent is ever told to run them (useful in tests that only exercise
// cluster-side bookkeeping).
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

func (m *Manager) dispatchPlace(svc *types.Service, r *types.Replica) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.PlaceReplica(r.NodeID, r, svc.Spec); err != nil {
		m.logger.Warn().Err(err).Str("replica_id", r.ID).Str("node_id", r.NodeID).Msg("dispatch placement failed")
	}
}

func (m *Manager) dispatchRemove(r *types.Replica) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.RemoveReplica(r.NodeID, r.ID); err != nil {
		m.logger.Warn().Err(err).Str("replica_id", r.ID).Str("node_id", r.NodeID).Msg("dispatch removal failed")
	}
}

// CreateService validates spec and records a new service in state Created.
// It does not place any replicas; call StartService for that.
func (m *Manager) CreateService(spec types.ServiceSpec) (*types.Service, error) {
	if spec.Name == "" {
		return nil, dslerr.InvalidSpec("service name is required")
	}
	if spec.MinReplicas < 0 || spec.MaxReplicas < spec.MinReplicas {
		return nil, dslerr.InvalidSpec("replica bounds invalid: min=%d max=%d", spec.MinReplicas, spec.MaxReplicas)
	}
	if spec.TargetReplicas < spec.MinReplicas || spec.TargetReplicas > spec.MaxReplicas {
		return nil, dslerr.InvalidSpec("target replicas %d outside [%d,%d]", spec.TargetReplicas, spec.MinReplicas, spec.MaxReplicas)
	}

	nodes, err := m.cluster.Store().ListNodes()
	if err != nil {
		return nil, dslerr.Internal(err, "list nodes")
	}
	if err := m.checkMinCapacity(nodes, spec.ResourceReq); err != nil {
		return nil, err
	}

	svc := &types.Service{
		ID:        uuid.New().String(),
		Spec:      spec,
		State:     types.ServiceCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.cluster.PutService(svc); err != nil {
		return nil, err
	}
	metrics.ServicesTotal.WithLabelValues(string(svc.State)).Inc()
	m.publish(events.TypeServiceCreated, "service "+svc.ID+" created")
	m.logger.Info().Str("service_id", svc.ID).Str("name", spec.Name).Msg("service created")
	return svc, nil
}

func (m *Manager) publish(t events.Type, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, Message: msg})
}

// checkMinCapacity rejects a spec whose resource request exceeds the
// largest free capacity among Online nodes; a service that can never be
// placed should fail fast at create time rather than at start time.
func (m *Manager) checkMinCapacity(nodes []*types.Node, req types.ResourceCapacity) error {
	for _, n := range nodes {
		if n.State == types.NodeOnline && n.Free().Fits(req) {
			return nil
		}
	}
	if len(nodes) == 0 {
		return nil // an empty cluster can't reject anything; StartService will fail instead
	}
	return dslerr.InsufficientResources("no online node has capacity for the requested resources")
}

// StartService places replicas at the service's current SpecVersion up to TargetReplicas using the
// placement policy. If fewer than MinReplicas can be placed, every
// placement made in this call is rolled back and the service moves to
// Error; otherwise it moves to Starting (Running once all report Healthy,
// which the reconciliation loop observes).
func (m *Manager) StartService(serviceID string) error {
	svc, err := m.cluster.Store().GetService(serviceID)
	if err != nil {
		return err
	}
	placed, err := m.placeReplicas(svc, svc.Spec.TargetReplicas, svc.SpecVersion)
	if err != nil {
		return err
	}
	if len(placed) < svc.Spec.MinReplicas {
		for _, r := range placed {
			m.releaseReplica(r)
		}
		return m.setState(svc, types.ServiceError)
	}
	return m.setState(svc, types.ServiceStarting)
}

// placeReplicas places count new replicas at the given spec version,
// stopping early (returning what it managed) if nodes run out of capacity.
func (m *Manager) placeReplicas(svc *types.Service, count int, specVersion int) ([]*types.Replica, error) {
	var placed []*types.Replica
	for i := 0; i < count; i++ {
		timer := metrics.NewTimer()
		nodes, err := m.cluster.Store().ListNodes()
		if err != nil {
			return placed, dslerr.Internal(err, "list nodes")
		}
		replicas, err := m.cluster.Store().ListReplicasByService(svc.ID)
		if err != nil {
			return placed, dslerr.Internal(err, "list replicas")
		}

		node := selectNode(nodes, svc.Spec.ResourceReq, svc, replicas)
		if node == nil {
			metrics.PlacementsFailedTotal.Inc()
			break
		}

		node.Allocated = node.Allocated.Add(svc.Spec.ResourceReq)
		if err := m.cluster.PutNode(node); err != nil {
			return placed, err
		}

		replica := &types.Replica{
			ID:          uuid.New().String(),
			ServiceID:   svc.ID,
			NodeID:      node.ID,
			SpecVersion: specVersion,
			Health:      types.ReplicaStarting,
			CreatedAt:   time.Now(),
		}
		if err := m.cluster.PutReplica(replica); err != nil {
			return placed, err
		}
		placed = append(placed, replica)
		timer.ObserveDuration(metrics.PlacementDuration)
		metrics.ReplicasTotal.WithLabelValues(string(replica.Health)).Inc()
		m.publish(events.TypeReplicaPlaced, "replica "+replica.ID+" placed on "+node.ID)
		m.logger.Info().Str("service_id", svc.ID).Str("replica_id", replica.ID).Str("node_id", node.ID).Msg("replica placed")
		m.dispatchPlace(svc, replica)
	}
	return placed, nil
}

// releaseReplica tears down one replica and returns its reservation to the
// node it was pinned to.
func (m *Manager) releaseReplica(r *types.Replica) {
	if n, err := m.cluster.Store().GetNode(r.NodeID); err == nil {
		n.Allocated = n.Allocated.Sub(m.resourceReqFor(r))
		_ = m.cluster.PutNode(n)
	}
	_ = m.cluster.DeleteReplica(r.ID)
	m.dispatchRemove(r)
}

func (m *Manager) resourceReqFor(r *types.Replica) types.ResourceCapacity {
	svc, err := m.cluster.Store().GetService(r.ServiceID)
	if err != nil {
		return types.ResourceCapacity{}
	}
	return svc.Spec.ResourceReq
}

func (m *Manager) setState(svc *types.Service, state types.ServiceState) error {
	svc.State = state
	svc.UpdatedAt = time.Now()
	if err := m.cluster.PutService(svc); err != nil {
		return err
	}
	metrics.ServicesTotal.WithLabelValues(string(state)).Inc()
	return nil
}

// ScaleService converges the service's replica count to target, placing
// new replicas or tearing down victims chosen by the de-scale precedence.
func (m *Manager) ScaleService(serviceID string, target int) error {
	svc, err := m.cluster.Store().GetService(serviceID)
	if err != nil {
		return err
	}
	if svc.Spec.MinReplicas == svc.Spec.MaxReplicas {
		return dslerr.Conflict(string(svc.State), "service %s has a fixed replica count of %d", svc.ID, svc.Spec.MinReplicas)
	}
	if target < svc.Spec.MinReplicas || target > svc.Spec.MaxReplicas {
		return dslerr.InvalidSpec("target %d outside [%d,%d]", target, svc.Spec.MinReplicas, svc.Spec.MaxReplicas)
	}
	svc.Spec.TargetReplicas = target

	replicas, err := m.cluster.Store().ListReplicasByService(svc.ID)
	if err != nil {
		return dslerr.Internal(err, "list replicas")
	}
	current := len(replicas)

	if target > current {
		if _, err := m.placeReplicas(svc, target-current, svc.SpecVersion); err != nil {
			return err
		}
	} else if target < current {
		nodes, err := m.cluster.Store().ListNodes()
		if err != nil {
			return dslerr.Internal(err, "list nodes")
		}
		nodeByID := make(map[string]*types.Node, len(nodes))
		for _, n := range nodes {
			nodeByID[n.ID] = n
		}
		for _, victim := range scaleDownVictims(replicas, nodeByID, current-target) {
			m.releaseReplica(victim)
		}
	}

	if err := m.cluster.PutService(svc); err != nil {
		return err
	}
	return m.setState(svc, types.ServiceScaling)
}

// StopService drains and terminates every replica of the service. force
// skips the graceful deadline and tears down immediately; the deadline
// itself is enforced by the reconciliation loop, which re-checks draining
// replicas on each pass and force-terminates any still running past it.
func (m *Manager) StopService(serviceID string, force bool) error {
	svc, err := m.cluster.Store().GetService(serviceID)
	if err != nil {
		return err
	}
	if err := m.setState(svc, types.ServiceStopping); err != nil {
		return err
	}

	replicas, err := m.cluster.Store().ListReplicasByService(svc.ID)
	if err != nil {
		return dslerr.Internal(err, "list replicas")
	}
	for _, r := range replicas {
		if force {
			m.releaseReplica(r)
			continue
		}
		r.Draining = true
		r.DrainingSince = time.Now()
		if err := m.cluster.PutReplica(r); err != nil {
			return err
		}
	}
	if force || len(replicas) == 0 {
		return m.setState(svc, types.ServiceStopped)
	}
	return nil
}

// UpdateService bumps the service's spec and version. Recreate tears down
// every current-version replica immediately and places new-version ones in
// their place; RollingUpdate leaves convergence to the reconciliation
// loop's stepRollingUpdate, which honors maxSurge/maxUnavailable one
// replica at a time.
func (m *Manager) UpdateService(serviceID string, newSpec types.ServiceSpec) error {
	svc, err := m.cluster.Store().GetService(serviceID)
	if err != nil {
		return err
	}
	oldSpec := svc.Spec
	svc.Spec = newSpec
	svc.SpecVersion++
	if err := m.cluster.PutService(svc); err != nil {
		return err
	}

	if newSpec.Update.Kind == types.UpdateRecreate {
		replicas, err := m.cluster.Store().ListReplicasByService(svc.ID)
		if err != nil {
			return dslerr.Internal(err, "list replicas")
		}
		for _, r := range replicas {
			if r.SpecVersion < svc.SpecVersion {
				old := oldSpec
				m.releaseReplicaWithReq(r, old.ResourceReq)
			}
		}
		if _, err := m.placeReplicas(svc, newSpec.TargetReplicas, svc.SpecVersion); err != nil {
			return err
		}
		return m.setState(svc, types.ServiceUpdating)
	}

	return m.setState(svc, types.ServiceUpdating)
}

func (m *Manager) releaseReplicaWithReq(r *types.Replica, req types.ResourceCapacity) {
	if n, err := m.cluster.Store().GetNode(r.NodeID); err == nil {
		n.Allocated = n.Allocated.Sub(req)
		_ = m.cluster.PutNode(n)
	}
	_ = m.cluster.DeleteReplica(r.ID)
	m.dispatchRemove(r)
}

// HandleNodeFailed re-places every replica that was pinned to a now-Failed
// node. Called in response to events.TypeNodeFailed.
func (m *Manager) HandleNodeFailed(nodeID string) {
	replicas, err := m.cluster.Store().ListReplicas()
	if err != nil {
		m.logger.Error().Err(err).Msg("list replicas for failover")
		return
	}

	bySvc := make(map[string][]*types.Replica)
	for _, r := range replicas {
		if r.NodeID == nodeID {
			bySvc[r.ServiceID] = append(bySvc[r.ServiceID], r)
		}
	}

	for svcID, lost := range bySvc {
		svc, err := m.cluster.Store().GetService(svcID)
		if err != nil {
			continue
		}
		for _, r := range lost {
			r.Health = types.ReplicaGone
			_ = m.cluster.PutReplica(r)
		}
		placed, err := m.placeReplicas(svc, len(lost), svc.SpecVersion)
		for _, r := range lost {
			_ = m.cluster.DeleteReplica(r.ID)
		}
		healthy, _ := m.healthyCount(svc.ID)
		switch {
		case err != nil || len(placed) < len(lost):
			_ = m.setState(svc, types.ServiceDegraded)
		case healthy+len(placed) < svc.Spec.MinReplicas:
			_ = m.setState(svc, types.ServiceError)
		}
	}
}

func (m *Manager) healthyCount(serviceID string) (int, error) {
	replicas, err := m.cluster.Store().ListReplicasByService(serviceID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range replicas {
		if r.Health == types.ReplicaHealthy {
			n++
		}
	}
	return n, nil
}
