// Package reconnect implements the proxy's connection state machine to the
// backend: exponential backoff between attempts, a reset to
// the initial delay after a sufficiently stable connection, and verbatim
// honoring of a server-directed shutdown delay. The backoff shape mirrors
// the teacher's cenkalti/backoff-based retry loop in internal/session/loop.go,
// adapted from a bounded-retries API-call retry into an unbounded
// reconnect-forever state machine.
package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnrecoverable signals a registration failure the engine must not
// retry silently, such as an auth failure after a successful handshake.
// Callers should surface it to the user and stop.
var ErrUnrecoverable = errors.New("reconnect: unrecoverable registration failure")

// Unrecoverable wraps err so that Engine.Run stops retrying and returns it
// directly instead of looping.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableErr{err}
}

type unrecoverableErr struct{ err error }

func (e *unrecoverableErr) Error() string { return e.err.Error() }
func (e *unrecoverableErr) Unwrap() error { return e.err }
func (e *unrecoverableErr) Is(target error) bool { return target == ErrUnrecoverable }

// ShutdownNotice is returned by an Attempt when the backend closed the
// connection gracefully and asked the proxy to wait a specific duration
// before reconnecting. The engine honors Delay verbatim, bypassing
// backoff entirely.
type ShutdownNotice struct {
	Reason string
	Delay  time.Duration
}

func (s *ShutdownNotice) Error() string { return "reconnect: server requested shutdown: " + s.Reason }

// Attempt is one connect+register+serve cycle. It blocks until the
// connection ends, and reports how long it stayed up via upFor. A nil
// error with upFor >= the engine's stable duration (New's stable) means "graceful disconnect from a
// stable connection", which resets the backoff; any other error is
// treated as a failed or dropped connection, unless it is a
// *ShutdownNotice or wraps ErrUnrecoverable.
type Attempt func(ctx context.Context) (upFor time.Duration, err error)

// Engine drives repeated Attempts with exponential backoff between them.
type Engine struct {
	initial time.Duration
	max     time.Duration
	stable  time.Duration

	onSleep func(delay time.Duration, reason string)
}

// New builds an Engine. initial/max/stable come from config.Config's
// ReconnectInitialDelay / ReconnectMaxDelay / StableConnectionAfter.
func New(initial, max, stable time.Duration) *Engine {
	return &Engine{initial: initial, max: max, stable: stable}
}

// OnSleep registers a callback invoked every time the engine is about to
// sleep before a reconnect attempt, with the delay and a short reason
// ("backoff" or "server-shutdown"; after a stable-connection reset the
// engine reconnects at once without sleeping). Useful for logging and
// for synthesizing the "Proxy reconnected after …" portal notice.
func (e *Engine) OnSleep(fn func(delay time.Duration, reason string)) {
	e.onSleep = fn
}

// Run calls attempt in a loop until ctx is cancelled or attempt returns an
// unrecoverable error, which Run returns immediately without retrying.
func (e *Engine) Run(ctx context.Context, attempt Attempt) error {
	b := e.newBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		upFor, err := attempt(ctx)

		var shutdown *ShutdownNotice
		switch {
		case errors.As(err, &shutdown):
			e.sleep(ctx, shutdown.Delay, "server-shutdown")
			continue

		case errors.Is(err, ErrUnrecoverable):
			return err

		case err == nil && upFor >= e.stable:
			b.Reset()
			continue

		default:
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				// newBackOff never sets MaxElapsedTime, so this is
				// unreachable in practice; treat as max-delay sleep.
				delay = e.max
			}
			e.sleep(ctx, delay, "backoff")
		}
	}
}

func (e *Engine) sleep(ctx context.Context, delay time.Duration, reason string) {
	if e.onSleep != nil {
		e.onSleep(delay, reason)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// newBackOff builds the ×2, cap-at-max policy with no randomization: the
// spec calls for a deterministic doubling schedule, not the jittered
// exponential backoff the teacher uses for API retries.
func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.max
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
