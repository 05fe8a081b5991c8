package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
)

// backoffInitial, backoffMax and backoffFactor govern DialWithBackoff's
// retry schedule: 100ms, 200ms, 400ms, ... capped at 10s.
const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 10 * time.Second
	backoffFactor  = 2
)

// DialWithBackoff dials network/addr, retrying with exponential backoff
// until it succeeds, ctx is cancelled, or maxAttempts is exhausted (0
// means unlimited). A rate limiter caps how fast attempts can be made even
// once the backoff delay would otherwise allow a tighter loop (e.g. after
// an immediate dial failure), so a downed peer can't turn a reconnect loop
// into a connection-attempt flood.
func DialWithBackoff(ctx context.Context, network, addr string, maxAttempts int) (net.Conn, error) {
	limiter := rate.NewLimiter(rate.Every(backoffInitial), 1)
	delay := backoffInitial
	var lastErr error

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, dslerr.Cancelled("dial %s: %v", addr, err)
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, dslerr.Cancelled("dial %s: %v", addr, ctx.Err())
		case <-time.After(delay):
		}

		delay *= backoffFactor
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	return nil, dslerr.Timeout("dial %s: exhausted retries: %v", addr, lastErr)
}
