package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/9MpulS/RAG-Asistent/config"
)

// errStageTimeout marks a single stage attempt that ran past the stage
// timeout while the query itself was still alive.
var errStageTimeout = errors.New("stage timed out")

// RetryPolicy bounds how often a failing stage is attempted.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based), capped
// at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
		if p.MaxBackoff > 0 && backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(backoff) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// stage runs one pipeline stage under the retry policy. Each attempt is
// bounded by timeout; classify maps attempt errors onto a Kind and only
// retryable kinds are attempted again.
func stage[T any](
	ctx context.Context,
	s *Service,
	state State,
	classify func(error) Kind,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	maxAttempts := s.opts.Retry.attempts()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, contextError(state, attempt-1, err)
		}

		out, err := callWithTimeout(ctx, s.opts.StageTimeout, fn)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, contextError(state, attempt, ctxErr)
		}

		kind := classify(err)
		if !kind.Retryable() || attempt >= maxAttempts {
			return zero, &Error{Kind: kind, Stage: state, Attempts: attempt, Err: err}
		}

		wait := s.opts.Retry.Backoff(attempt)
		s.logger.Warn().
			Str("stage", state.String()).
			Str("kind", kind.String()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("stage failed, retrying")

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, contextError(state, attempt, ctx.Err())
			case <-timer.C:
			}
		}
	}
}

// callWithTimeout runs fn in its own goroutine so a provider that ignores
// cancellation cannot hold the query past the stage timeout; a late result
// is discarded.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(stageCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", errStageTimeout, timeout, out.err)
		}
		return out.value, out.err
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", errStageTimeout, timeout)
	}
}

func contextError(state State, attempts int, err error) *Error {
	kind := KindCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Stage: state, Attempts: attempts, Err: err}
}
