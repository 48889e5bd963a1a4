package tokensource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPoller replays results in order, recording the fake time of each poll.
type scriptedPoller struct {
	clock   *fakeClock
	results []pollStep
	polls   []time.Time
}

type pollStep struct {
	result *PollResult
	err    error
}

func (s *scriptedPoller) PollOnce(ctx context.Context, deviceCode, verifier string) (*PollResult, error) {
	s.polls = append(s.polls, s.clock.now())
	if len(s.results) == 0 {
		return &PollResult{}, nil
	}
	step := s.results[0]
	s.results = s.results[1:]
	return step.result, step.err
}

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	current time.Time
	waits   []time.Duration
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.waits = append(c.waits, d)
	c.current = c.current.Add(d)
	return nil
}

// blockingPoller holds every poll open until its context ends, like a token
// endpoint that never answers.
type blockingPoller struct {
	polls atomic.Int32
}

func (b *blockingPoller) PollOnce(ctx context.Context, deviceCode, verifier string) (*PollResult, error) {
	b.polls.Add(1)
	<-ctx.Done()
	return nil, fmt.Errorf("device token poll failed: %w", ctx.Err())
}

func newTestPoller(steps ...pollStep) (*Poller, *scriptedPoller, *fakeClock) {
	clock := &fakeClock{current: time.Now()}
	script := &scriptedPoller{clock: clock, results: steps}
	p := NewPoller(script, 2*time.Second, 10*time.Second)
	p.now = clock.now
	p.sleep = clock.sleep
	return p, script, clock
}

var (
	pending  = pollStep{result: &PollResult{}}
	slowDown = pollStep{result: &PollResult{SlowDown: true}}
)

func success(token string) pollStep {
	return pollStep{result: &PollResult{Credentials: &Credentials{AccessToken: token}}}
}

func TestPollerRun(t *testing.T) {
	ctx := context.Background()
	auth := &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 300}

	t.Run("pending_then_success", func(t *testing.T) {
		p, script, clock := newTestPoller(pending, pending, pending, success("at"))

		creds, err := p.Run(ctx, auth, "verifier")

		require.NoError(t, err)
		assert.Equal(t, "at", creds.AccessToken)
		assert.Len(t, script.polls, 4)
		assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, clock.waits)
	})

	t.Run("waits_before_first_poll", func(t *testing.T) {
		p, script, clock := newTestPoller(success("at"))
		start := clock.now()

		_, err := p.Run(ctx, auth, "verifier")

		require.NoError(t, err)
		require.Len(t, script.polls, 1)
		assert.Equal(t, start.Add(2*time.Second), script.polls[0])
	})

	t.Run("slow_down_schedule_is_capped", func(t *testing.T) {
		p, _, clock := newTestPoller(slowDown, slowDown, slowDown, slowDown, slowDown, pending, success("at"))

		_, err := p.Run(ctx, auth, "verifier")

		require.NoError(t, err)
		assert.Equal(t, []time.Duration{
			2 * time.Second,
			3 * time.Second,
			4500 * time.Millisecond,
			6750 * time.Millisecond,
			10 * time.Second,
			10 * time.Second,
			10 * time.Second,
		}, clock.waits)
	})

	t.Run("slow_down_strictly_increases_until_cap", func(t *testing.T) {
		p, _, clock := newTestPoller(slowDown, pending, success("at"))

		_, err := p.Run(ctx, auth, "verifier")

		require.NoError(t, err)
		require.Len(t, clock.waits, 3)
		assert.Greater(t, clock.waits[1], clock.waits[0])
		assert.Equal(t, clock.waits[1], clock.waits[2])
	})

	t.Run("polls_never_closer_than_interval", func(t *testing.T) {
		p, script, _ := newTestPoller(slowDown, pending, slowDown, pending, success("at"))

		_, err := p.Run(ctx, auth, "verifier")

		require.NoError(t, err)
		for i := 1; i < len(script.polls); i++ {
			assert.GreaterOrEqual(t, script.polls[i].Sub(script.polls[i-1]), 2*time.Second)
		}
	})

	t.Run("server_interval_raises_base", func(t *testing.T) {
		p, _, clock := newTestPoller(pending, success("at"))

		_, err := p.Run(ctx, &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 300, Interval: 5}, "verifier")

		require.NoError(t, err)
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.waits)
	})

	t.Run("times_out_within_expires_in", func(t *testing.T) {
		p, script, clock := newTestPoller()
		start := clock.now()

		_, err := p.Run(ctx, &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 9}, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Len(t, script.polls, 4)
		assert.False(t, clock.now().After(start.Add(9*time.Second)))
	})

	t.Run("missing_expires_in_uses_default_lifetime", func(t *testing.T) {
		p, _, clock := newTestPoller()
		start := clock.now()

		_, err := p.Run(ctx, &DeviceAuthorization{DeviceCode: "d1"}, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Equal(t, start.Add(defaultDeviceCodeLifetime), clock.now())
	})

	t.Run("context_deadline_shortens_lifetime", func(t *testing.T) {
		p, script, clock := newTestPoller()
		deadlineCtx, cancel := context.WithDeadline(ctx, clock.now().Add(5*time.Second))
		defer cancel()

		_, err := p.Run(deadlineCtx, auth, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Len(t, script.polls, 2)
	})

	t.Run("expires_at_bounds_the_loop", func(t *testing.T) {
		p, script, clock := newTestPoller()
		expiring := &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 300, ExpiresAt: clock.now().Add(5 * time.Second)}

		_, err := p.Run(ctx, expiring, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Len(t, script.polls, 2)
	})

	t.Run("already_expired_never_polls", func(t *testing.T) {
		p, script, clock := newTestPoller()
		expired := &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 300, ExpiresAt: clock.now().Add(-time.Second)}

		_, err := p.Run(ctx, expired, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Empty(t, script.polls)
	})

	t.Run("in_flight_poll_is_cut_off_at_expiry", func(t *testing.T) {
		blocking := &blockingPoller{}
		p := NewPoller(blocking, 10*time.Millisecond, 10*time.Millisecond)
		expiresAt := time.Now().Add(200 * time.Millisecond)

		_, err := p.Run(ctx, &DeviceAuthorization{DeviceCode: "d1", ExpiresIn: 300, ExpiresAt: expiresAt}, "verifier")

		require.ErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Equal(t, int32(1), blocking.polls.Load())
		assert.WithinDuration(t, expiresAt, time.Now(), 500*time.Millisecond)
	})

	t.Run("terminal_poll_error_stops", func(t *testing.T) {
		denied := &ResponseError{Kind: ErrTokenPollFailed, StatusCode: 400, Code: "access_denied"}
		p, script, _ := newTestPoller(pending, pollStep{err: denied}, success("at"))

		_, err := p.Run(ctx, auth, "verifier")

		require.ErrorIs(t, err, ErrTokenPollFailed)
		assert.Len(t, script.polls, 2)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		p, script, _ := newTestPoller()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.Run(cancelled, auth, "verifier")

		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrAuthorizationTimeout)
		assert.Empty(t, script.polls)
	})

	t.Run("deadline_exceeded_during_request", func(t *testing.T) {
		p, _, _ := newTestPoller(pollStep{err: errors.Join(errors.New("device token poll failed"), context.DeadlineExceeded)})

		_, err := p.Run(ctx, auth, "verifier")

		assert.ErrorIs(t, err, ErrAuthorizationTimeout)
	})

	t.Run("empty_authorization", func(t *testing.T) {
		p, _, _ := newTestPoller()

		_, err := p.Run(ctx, &DeviceAuthorization{}, "verifier")

		assert.Error(t, err)
	})
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second, nextInterval(2*time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextInterval(8*time.Second, 10*time.Second))
	assert.Equal(t, 12*time.Second, nextInterval(12*time.Second, 10*time.Second))
}

func TestSleepContext(t *testing.T) {
	t.Run("returns_after_duration", func(t *testing.T) {
		assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	})

	t.Run("returns_on_cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	})
}
