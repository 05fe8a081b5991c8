package healthprobe

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// Prober runs Checkers on a schedule, rate-limiting how often probes may
// start with a token-bucket limiter. The limiter does not count probes
// still in flight; each probe is bounded in time by Probe's timeout.
type Prober struct {
	limiter *rate.Limiter
}

// NewProber creates a Prober allowing up to maxConcurrent probes to start
// per second (burst maxConcurrent, refilling at the same rate).
func NewProber(maxConcurrent int) *Prober {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Prober{limiter: rate.NewLimiter(rate.Limit(maxConcurrent), maxConcurrent)}
}

// Probe runs a single checker, bounded both by the prober's start-rate
// limiter and by a timeout of half the probe interval, per the design's
// "probe timeout is bounded well under the interval" rule.
func (p *Prober) Probe(ctx context.Context, interval time.Duration, checker Checker) Result {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{Message: "probe limiter: " + err.Error(), CheckedAt: time.Now()}
	}
	timeout := interval / 2
	if timeout <= 0 {
		timeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return checker.Check(probeCtx)
}

// Loop probes checker every interval until ctx is cancelled, updating
// status and invoking onChange whenever the derived health changes.
func (p *Prober) Loop(ctx context.Context, interval time.Duration, checker Checker, status *Status, onChange func(types.ReplicaHealth)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := p.Probe(ctx, interval, checker)
			prev := status.Health
			next := status.Update(result)
			if !result.Healthy {
				metrics.ProbeFailuresTotal.WithLabelValues(string(next)).Inc()
			}
			if next != prev && onChange != nil {
				onChange(next)
			}
		}
	}
}
