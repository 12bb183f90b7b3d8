package realtime

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"taxledger/internal/log"
	"taxledger/internal/store"
)

// ReconnectPolicy decides whether and how a dropped change feed is
// re-established.
type ReconnectPolicy interface {
	Enabled() bool
	// Backoff returns a fresh schedule for one reconnect cycle.
	Backoff() retry.Backoff
}

// NoReconnect reports the drop and stops the controller.
type NoReconnect struct{}

func (NoReconnect) Enabled() bool          { return false }
func (NoReconnect) Backoff() retry.Backoff { return nil }

// BackoffReconnect resubscribes with exponential backoff starting at
// Base, capped at Max per wait, for at most Attempts retries. Zero Max
// or Attempts means unbounded.
type BackoffReconnect struct {
	Base     time.Duration
	Max      time.Duration
	Attempts uint64
}

func (BackoffReconnect) Enabled() bool { return true }

func (p BackoffReconnect) Backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	if p.Attempts > 0 {
		b = retry.WithMaxRetries(p.Attempts, b)
	}
	return b
}

func (c *Controller) subscribe(ctx context.Context) (store.Subscription, error) {
	owner, err := c.sess.Owner()
	if err != nil {
		return nil, err
	}
	if !c.cfg.Reconnect.Enabled() {
		return c.feed.Subscribe(ctx, owner, c.refetch)
	}

	var (
		sub     store.Subscription
		attempt int
	)
	err = retry.Do(ctx, c.cfg.Reconnect.Backoff(), func(ctx context.Context) error {
		attempt++
		s, err := c.feed.Subscribe(ctx, owner, c.refetch)
		if err != nil {
			c.logger.WarnContext(ctx, "Subscribe failed",
				log.FieldAttempt, attempt,
				log.FieldError, err)
			return retry.RetryableError(err)
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
