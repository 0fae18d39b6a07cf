// Package retry runs network calls with a bounded number of attempts and
// exponential backoff between them.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used when a caller supplies a zero Policy.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// Do runs op until it succeeds, returns a Permanent error, the context is
// done, or MaxRetries retries have been spent. The last error is returned.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		slog.Debug("retrying", "op", name, "attempt", attempt, "wait", wait, "error", err)
	})
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
