package healthprobe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

func TestStatusDemotesAfterThreeFailures(t *testing.T) {
	s := NewStatus()
	for i := 0; i < 2; i++ {
		h := s.Update(Result{Healthy: false, CheckedAt: time.Now()})
		assert.Equal(t, types.ReplicaStarting, h, "should not demote before the threshold")
	}
	h := s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	assert.Equal(t, types.ReplicaUnhealthy, h)
}

func TestStatusGoesGoneAfterSixFailures(t *testing.T) {
	s := NewStatus()
	var h types.ReplicaHealth
	for i := 0; i < 6; i++ {
		h = s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	}
	assert.Equal(t, types.ReplicaGone, h)
}

func TestStatusRecoversOnSuccess(t *testing.T) {
	s := NewStatus()
	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	assert.Equal(t, types.ReplicaUnhealthy, s.Health)

	h := s.Update(Result{Healthy: true, CheckedAt: time.Now()})
	assert.Equal(t, types.ReplicaHealthy, h)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestTCPCheckerUnreachable(t *testing.T) {
	c := NewTCPChecker("127.0.0.1:1", 50*time.Millisecond)
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
}
