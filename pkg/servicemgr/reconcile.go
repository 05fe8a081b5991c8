package servicemgr

import (
	"time"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/events"
	"github.com/DslsDZC/dslos-core/pkg/healthprobe"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// gracefulDrainDeadline bounds how long a draining replica is given to stop
// on its own before the reconciliation loop force-terminates it.
const gracefulDrainDeadline = 30 * time.Second

// HandleHeartbeat advances the sending node's liveness bookkeeping. A
// heartbeat from a node not yet in the roster (the bootstrap master's own
// agent connecting before self-registration lands) or arriving at a
// freshly demoted leader is dropped rather than surfaced.
func (m *Manager) HandleHeartbeat(nodeID string) error {
	err := m.cluster.RecordHeartbeat(nodeID)
	if dslerr.Is(err, dslerr.CodeNotFound) || dslerr.Is(err, dslerr.CodeNotLeader) {
		return nil
	}
	return err
}

// HandleReplicaStatus folds an agent's report of a just-placed (or
// re-reported) replica into cluster state: it records the runnable ids the
// node actually created and, for the Starting/Healthy/error transitions an
// agent can report directly (as opposed to the probe-driven
// Unhealthy/Gone demotions HandleProbeResult owns), updates Health too.
func (m *Manager) HandleReplicaStatus(status transport.ReplicaStatus) error {
	r, err := m.cluster.Store().GetReplica(status.ReplicaID)
	if err != nil {
		return err
	}

	r.RunnableIDs = status.RunnableIDs
	switch types.ReplicaHealth(status.Health) {
	case types.ReplicaStarting, types.ReplicaHealthy:
		prev := r.Health
		r.Health = types.ReplicaHealth(status.Health)
		if err := m.cluster.PutReplica(r); err != nil {
			return err
		}
		if r.Health == types.ReplicaHealthy && prev != types.ReplicaHealthy {
			m.publish(events.TypeReplicaHealthy, "replica "+r.ID+" reported healthy by agent")
		}
		return nil
	default:
		// An agent reports "error" when it could not instantiate the
		// replica's runnables at all; treat it the same as a Gone probe
		// result so the usual replacement path runs.
		if err := m.cluster.PutReplica(r); err != nil {
			return err
		}
		m.logger.Warn().Str("replica_id", r.ID).Str("node_id", status.NodeID).Str("message", status.Message).Msg("agent reported placement failure")
		m.replaceGoneReplica(r)
		return nil
	}
}

// HandleProbeResult folds a health probe outcome into a replica's recorded
// health, applying the two-threshold Unhealthy/Gone rule, and triggers
// re-placement if the replica just went Gone.
func (m *Manager) HandleProbeResult(replicaID string, result healthprobe.Result) error {
	r, err := m.cluster.Store().GetReplica(replicaID)
	if err != nil {
		return err
	}

	status := &healthprobe.Status{Health: r.Health, ConsecutiveFailures: r.ConsecutiveFailures}
	prev := status.Health
	health := status.Update(result)

	r.Health = health
	r.ConsecutiveFailures = status.ConsecutiveFailures
	r.LastProbe = result.CheckedAt
	if err := m.cluster.PutReplica(r); err != nil {
		return err
	}

	if !result.Healthy {
		metrics.ProbeFailuresTotal.WithLabelValues(string(health)).Inc()
	}
	switch {
	case health == types.ReplicaHealthy && prev != types.ReplicaHealthy:
		m.publish(events.TypeReplicaHealthy, "replica "+r.ID+" healthy")
	case health == types.ReplicaUnhealthy && prev != types.ReplicaUnhealthy:
		m.publish(events.TypeReplicaUnhealthy, "replica "+r.ID+" unhealthy")
	case health == types.ReplicaGone && prev != types.ReplicaGone:
		m.publish(events.TypeReplicaGone, "replica "+r.ID+" gone")
		m.replaceGoneReplica(r)
	}
	return nil
}

// replaceGoneReplica releases a Gone replica's reservation and places one
// replacement at the same spec version, mirroring HandleNodeFailed's
// per-replica re-placement but for a single probe-detected failure rather
// than a whole node going down.
func (m *Manager) replaceGoneReplica(r *types.Replica) {
	svc, err := m.cluster.Store().GetService(r.ServiceID)
	if err != nil {
		return
	}
	m.releaseReplica(r)
	placed, err := m.placeReplicas(svc, 1, r.SpecVersion)
	if err != nil || len(placed) == 0 {
		_ = m.setState(svc, types.ServiceDegraded)
	}
}

// Reconcile re-derives desired vs. observed state for every service and
// converges them: promotes Starting/Scaling/Updating services to Running
// once healthy, advances in-flight rolling updates by one step, and
// force-terminates replicas that have been draining past their deadline.
// This is the self-healing pass that recovers from any single missed
// event-driven transition.
func (m *Manager) Reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
	}()

	services, err := m.cluster.Store().ListServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := m.reconcileService(svc); err != nil {
			m.logger.Error().Err(err).Str("service_id", svc.ID).Msg("reconcile service failed")
		}
	}
	return nil
}

func (m *Manager) reconcileService(svc *types.Service) error {
	replicas, err := m.cluster.Store().ListReplicasByService(svc.ID)
	if err != nil {
		return err
	}

	m.reapDrained(replicas)

	if svc.Spec.Update.Kind == types.UpdateRollingUpdate && hasMixedVersions(replicas, svc.SpecVersion) {
		return m.stepRollingUpdate(svc, replicas)
	}

	switch svc.State {
	case types.ServiceStarting, types.ServiceScaling, types.ServiceUpdating:
		healthy := countHealthy(replicas)
		if len(replicas) == svc.Spec.TargetReplicas && healthy == len(replicas) {
			return m.setState(svc, types.ServiceRunning)
		}
	case types.ServiceStopping:
		if allDrained(replicas) {
			return m.setState(svc, types.ServiceStopped)
		}
	}
	return nil
}

func (m *Manager) reapDrained(replicas []*types.Replica) {
	for _, r := range replicas {
		if r.Draining && time.Since(r.DrainingSince) > gracefulDrainDeadline {
			m.releaseReplica(r)
		}
	}
}

func countHealthy(replicas []*types.Replica) int {
	n := 0
	for _, r := range replicas {
		if r.Health == types.ReplicaHealthy {
			n++
		}
	}
	return n
}

func allDrained(replicas []*types.Replica) bool {
	for _, r := range replicas {
		if !r.Draining {
			return false
		}
	}
	return true
}

func hasMixedVersions(replicas []*types.Replica, currentVersion int) bool {
	for _, r := range replicas {
		if r.SpecVersion != currentVersion {
			return true
		}
	}
	return false
}

// stepRollingUpdate advances an in-flight rolling update by at most one
// replica, maintaining current <= T+maxSurge and healthy >= T-maxUnavailable
// at every step: surge a new-version replica in while there are fewer than
// T new-version replicas and surge budget remains, otherwise retire one
// old-version replica (a healthy one if any) while healthy-1 >= T-maxUnavailable.
func (m *Manager) stepRollingUpdate(svc *types.Service, replicas []*types.Replica) error {
	s := svc.Spec.Update.MaxSurge
	u := svc.Spec.Update.MaxUnavailable
	target := svc.Spec.TargetReplicas

	var oldReplicas, newReplicas []*types.Replica
	for _, r := range replicas {
		if r.SpecVersion < svc.SpecVersion {
			oldReplicas = append(oldReplicas, r)
		} else {
			newReplicas = append(newReplicas, r)
		}
	}
	current := len(replicas)
	healthy := countHealthy(replicas)

	if len(newReplicas) < target && current < target+s {
		if _, err := m.placeReplicas(svc, 1, svc.SpecVersion); err != nil {
			return err
		}
		return nil
	}

	if healthy-1 >= target-u && len(oldReplicas) > 0 {
		victim := oldReplicas[0]
		for _, r := range oldReplicas {
			if r.Health == types.ReplicaHealthy {
				victim = r
				break
			}
		}
		m.releaseReplicaWithReq(victim, svc.Spec.ResourceReq)
		return nil
	}

	if len(oldReplicas) == 0 && len(newReplicas) == target {
		return m.setState(svc, types.ServiceRunning)
	}
	return nil
}

// RunReconciler runs Reconcile on a fixed interval until stopCh closes,
// matching the periodic self-healing safety net pattern production
// orchestrators use to recover from transient event-delivery bugs.
func (m *Manager) RunReconciler(interval time.Duration, stopCh <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			metrics.ReconciliationCyclesTotal.Inc()
			if err := m.Reconcile(); err != nil {
				m.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-stopCh:
			m.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// ReconcileOrphans releases reservations for replicas whose node no longer
// exists or is Failed. Replicas on a live node are kept whatever their
// health, including ones still Starting with no runnable ids reported.
// Call once on leadership acquisition to recover from a leader failing
// mid-placement.
func (m *Manager) ReconcileOrphans() error {
	replicas, err := m.cluster.Store().ListReplicas()
	if err != nil {
		return err
	}
	nodes, err := m.cluster.Store().ListNodes()
	if err != nil {
		return err
	}
	nodeByID := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	for _, r := range replicas {
		n, ok := nodeByID[r.NodeID]
		if !ok || n.Failed {
			m.logger.Warn().Str("replica_id", r.ID).Str("node_id", r.NodeID).Msg("releasing orphaned reservation")
			m.releaseReplica(r)
		}
	}
	return nil
}
