package link

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/shiplink/shiplink/internal/dialer"
)

// Redialer establishes the ship side of the link, retrying with capped
// exponential backoff. The offshore side is the listening role and never
// dials; it simply accepts the ship's next connection.
type Redialer struct {
	Dialer dialer.Dialer
	Addr   string

	// MaxAttempts bounds consecutive failures before giving up.
	// Zero or negative retries forever.
	MaxAttempts int

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
}

// Dial attempts connections until one succeeds, ctx is canceled, or
// MaxAttempts failures accumulate.
func (r *Redialer) Dial(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{Max: r.MaxInterval}

	for attempt := 1; ; attempt++ {
		conn, err := r.Dialer.DialContext(ctx, "tcp", r.Addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			return nil, fmt.Errorf("link connect %s: %w (gave up after %d attempts)", r.Addr, err, attempt)
		}

		d := b.Duration()
		log.Printf("link connect %s: %v (retrying in %s)", r.Addr, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
