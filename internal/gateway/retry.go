package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy is an exponential backoff budget for provider calls.  With the
// defaults an operation is tried three times, waiting 1s and then 2s.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// permanentError stops the retry loop without being classified as transient.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a RejectedError or a permanent
// error, or the attempt budget is spent.  Anything else is treated as
// transient.
func (p RetryPolicy) Do(ctx context.Context, log *logrus.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			return rej
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if attempt == attempts {
			break
		}
		if log != nil {
			log.WithFields(logrus.Fields{"op": op, "attempt": attempt, "backoff": delay.String()}).
				WithError(err).Warn("gateway call failed, retrying")
		}
		if err := sleep(ctx, delay); err != nil {
			return &TransientError{Op: op, Attempts: attempt, Err: err}
		}
		delay = time.Duration(float64(delay) * mult)
	}
	return &TransientError{Op: op, Attempts: attempts, Err: last}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
