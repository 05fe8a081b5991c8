package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicNonDecreasing(t *testing.T) {
	c := NewMonotonic()
	prev := c.Now()
	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		cur := c.Now()
		require.GreaterOrEqual(t, int64(cur), int64(prev))
		prev = cur
	}
}

func TestFakeAdvance(t *testing.T) {
	f := NewFake()
	assert.Equal(t, Tick(0), f.Now())
	f.Advance(10)
	assert.Equal(t, Tick(10), f.Now())
}

func TestFakeSleepUntilAlreadyPast(t *testing.T) {
	f := NewFake()
	f.Advance(100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	f.SleepUntil(ctx, 50)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}
