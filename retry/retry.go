package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/transport"
)

var (
	// ErrRetry is the base error for retry operations.
	ErrRetry = errors.New("retry")

	// ErrMaxAttempts is returned when all attempts fail.
	ErrMaxAttempts = fmt.Errorf("%w: max attempts reached", ErrRetry)

	// ErrTimeout is returned when the overall retry operation times out.
	ErrTimeout = fmt.Errorf("%w: timeout reached", ErrRetry)

	// ErrNotRetryable is returned when an error is not retryable.
	ErrNotRetryable = fmt.Errorf("%w: not retryable", ErrRetry)
)

// BackoffFunc returns the wait duration before a retry.
// The attempt parameter is one-based (1 for first retry, 2 for second, etc.).
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits delay between attempts.
// The jitter parameter controls randomization: 0.0 = no jitter, 0.2 = ±20% variation.
func ConstantBackoff(delay time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(int) time.Duration {
		return applyJitter(delay)
	}
}

// ExponentialBackoff waits initialDelay * factor^(attempt-1), capped at
// maxDelay (0 = no limit), with jitter applied.
func ExponentialBackoff(initialDelay time.Duration, factor float64, maxDelay time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(attempt int) time.Duration {
		backoff := time.Duration(float64(initialDelay) * math.Pow(factor, float64(attempt-1)))
		if maxDelay > 0 && backoff > maxDelay {
			backoff = maxDelay
		}
		return applyJitter(backoff)
	}
}

// ShouldRetryFunc determines whether an error triggers another attempt.
type ShouldRetryFunc func(error) bool

// ShouldRetry retries only on errs. Without errs every error is retried.
func ShouldRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return true }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// ShouldNotRetry retries every error except errs. Without errs nothing is retried.
func ShouldNotRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return false }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Config is the retry policy applied to consumers.
type Config struct {
	// ShouldRetry determines which errors trigger retry attempts.
	// If nil, every error is retried.
	ShouldRetry ShouldRetryFunc

	// Backoff produces the wait duration between attempts.
	// If nil, defaults to 1 second constant backoff with jitter ±20%.
	Backoff BackoffFunc

	// MaxAttempts limits the total number of attempts, including the first.
	// Default is 3. Negative values allow unlimited retries.
	MaxAttempts int

	// Timeout limits the time spent on all attempts combined.
	// Default is 1 minute.
	Timeout time.Duration
}

// State tracks the progress of one retried operation.
type State struct {
	// Start is the time when the first attempt started.
	Start time.Time
	// Attempts is the number of attempts made so far (1-based).
	Attempts int
	// Duration is the elapsed time since Start.
	Duration time.Duration
	// Causes lists the error of every failed attempt.
	Causes []error
	// Err is the reason retrying stopped.
	Err error
}

// StateFromContext returns the State of the running operation, or nil.
func StateFromContext(ctx context.Context) *State {
	if s, ok := ctx.Value(stateKey{}).(*State); ok {
		return s
	}
	return nil
}

// StateFromError returns the State carried by an error returned by Do, or nil.
func StateFromError(err error) *State {
	var e *Error
	if errors.As(err, &e) {
		return e.State
	}
	return nil
}

// Error is returned when retrying gives up.
// It unwraps to the stop reason and every attempt's cause.
type Error struct {
	State *State
}

func (e *Error) Error() string {
	if len(e.State.Causes) == 0 {
		return e.State.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.State.Err, e.State.Causes[len(e.State.Causes)-1])
}

func (e *Error) Unwrap() []error {
	return append([]error{e.State.Err}, e.State.Causes...)
}

var defaultConfig = Config{
	ShouldRetry: ShouldRetry(),
	Backoff:     ConstantBackoff(1*time.Second, 0.2),
	MaxAttempts: 3,
	Timeout:     1 * time.Minute,
}

func (c Config) parse() Config {
	if c.ShouldRetry == nil {
		c.ShouldRetry = defaultConfig.ShouldRetry
	}
	if c.Backoff == nil {
		c.Backoff = defaultConfig.Backoff
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultConfig.MaxAttempts
	} else if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultConfig.Timeout
	}
	return c
}

type stateKey struct{}

func (s *State) fail(err error) error {
	s.Duration = time.Since(s.Start)
	s.Err = err
	return &Error{State: s}
}

func newApplyJitterFunc(jitter float64) func(d time.Duration) time.Duration {
	jitter = max(0, min(jitter, 1))
	return func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * (1.0 + (rand.Float64()*2*jitter - jitter)))
	}
}

// Do calls fn until it succeeds or cfg gives up.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.parse()
	state := &State{Start: time.Now()}
	attemptCtx := context.WithValue(ctx, stateKey{}, state)

	for {
		state.Attempts++
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		state.Duration = time.Since(state.Start)
		state.Causes = append(state.Causes, err)

		if !cfg.ShouldRetry(err) {
			return state.fail(ErrNotRetryable)
		}
		if cfg.MaxAttempts > 0 && state.Attempts >= cfg.MaxAttempts {
			return state.fail(ErrMaxAttempts)
		}
		remaining := cfg.Timeout - time.Since(state.Start)
		if remaining <= 0 {
			return state.fail(ErrTimeout)
		}

		backoff := time.NewTimer(cfg.Backoff(state.Attempts))
		timeout := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			backoff.Stop()
			timeout.Stop()
			return state.fail(ctx.Err())
		case <-timeout.C:
			backoff.Stop()
			return state.fail(ErrTimeout)
		case <-backoff.C:
			timeout.Stop()
		}
	}
}

// Middleware retries a consumer according to cfg.
// The replies of the successful attempt are returned.
func Middleware(cfg Config) transport.Middleware {
	return func(next transport.HandlerFunc) transport.HandlerFunc {
		return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
			var replies []*message.Message
			err := Do(ctx, cfg, func(ctx context.Context) error {
				var err error
				replies, err = next(ctx, msg)
				return err
			})
			if err != nil {
				return nil, err
			}
			return replies, nil
		}
	}
}
