package healthprobe

import (
	"time"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

// Thresholds for consecutive-failure demotion, per the replica health
// design: three consecutive probe failures demote Healthy to Unhealthy,
// six demote to Gone (eligible for replacement).
const (
	UnhealthyThreshold = 3
	GoneThreshold      = 6
)

// Status tracks a single replica's probe history and derived health.
type Status struct {
	Health               types.ReplicaHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	StartedAt            time.Time
}

// NewStatus returns a Status in the Starting state.
func NewStatus() *Status {
	return &Status{Health: types.ReplicaStarting, StartedAt: time.Now()}
}

// Update folds in a new probe result and returns the resulting health.
func (s *Status) Update(result Result) types.ReplicaHealth {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Health = types.ReplicaHealthy
		return s.Health
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0

	switch {
	case s.ConsecutiveFailures >= GoneThreshold:
		s.Health = types.ReplicaGone
	case s.ConsecutiveFailures >= UnhealthyThreshold:
		s.Health = types.ReplicaUnhealthy
	}
	return s.Health
}
