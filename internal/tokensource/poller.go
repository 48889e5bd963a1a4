package tokensource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultPollInterval is the base wait between token polls.
	DefaultPollInterval = 2 * time.Second

	// DefaultPollCeiling caps the interval after repeated slow_down signals.
	DefaultPollCeiling = 10 * time.Second

	// defaultDeviceCodeLifetime applies when the server omits expires_in.
	defaultDeviceCodeLifetime = 300 * time.Second

	slowDownFactor = 1.5
)

// tokenPoller performs a single token poll.
type tokenPoller interface {
	PollOnce(ctx context.Context, deviceCode, verifier string) (*PollResult, error)
}

// Poller runs the wait-then-poll loop for one device authorization.
//
// The interval never decreases: it starts at the larger of the configured
// base and the server's declared interval and grows by 1.5x per slow_down,
// up to the ceiling. No poll is started that could not finish waiting before
// the device code expires.
type Poller struct {
	poller   tokenPoller
	interval time.Duration
	ceiling  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poll loop over p. Zero durations select the defaults.
func NewPoller(p tokenPoller, interval, ceiling time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultPollCeiling
	}
	if ceiling < interval {
		ceiling = interval
	}
	return &Poller{
		poller:   p,
		interval: interval,
		ceiling:  ceiling,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Run polls until the device is authorized, a poll fails terminally, or the
// deadline passes. The deadline is auth.ExpiresAt (the device code's lifetime
// from now when unset), shortened by any ctx deadline. Waits and in-flight
// polls are cut off at the deadline, which yields ErrAuthorizationTimeout.
func (p *Poller) Run(ctx context.Context, auth *DeviceAuthorization, verifier string) (*Credentials, error) {
	if auth == nil || auth.DeviceCode == "" {
		return nil, errors.New("device authorization cannot be empty")
	}

	deadline := auth.ExpiresAt
	if deadline.IsZero() {
		deadline = p.now().Add(auth.lifetime())
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	interval, ceiling := p.interval, p.ceiling
	if declared := time.Duration(auth.Interval) * time.Second; declared > interval {
		interval = declared
	}
	if ceiling < interval {
		ceiling = interval
	}

	for attempt := 1; ; attempt++ {
		if p.now().Add(interval).After(deadline) {
			return nil, fmt.Errorf("%w: no authorization after %d polls", ErrAuthorizationTimeout, attempt-1)
		}

		if err := p.sleep(ctx, interval); err != nil {
			return nil, timeoutOr(err)
		}

		result, err := p.poller.PollOnce(ctx, auth.DeviceCode, verifier)
		if err != nil {
			return nil, timeoutOr(err)
		}

		if result.Credentials != nil {
			slog.DebugContext(ctx, "device authorized", "attempts", attempt)
			return result.Credentials, nil
		}

		if result.SlowDown {
			interval = nextInterval(interval, ceiling)
			slog.DebugContext(ctx, "server requested slower polling", "interval", interval)
		}
	}
}

// nextInterval grows current by the slow-down factor, capped at ceiling.
func nextInterval(current, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * slowDownFactor)
	if next > ceiling {
		next = ceiling
	}
	if next < current {
		return current
	}
	return next
}

// timeoutOr maps an expired context deadline to ErrAuthorizationTimeout.
func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAuthorizationTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
