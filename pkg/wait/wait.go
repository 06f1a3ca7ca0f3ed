// Package wait polls a getter until its value satisfies a predicate or a
// deadline passes.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"go.uber.org/zap"
)

// Spec describes one wait.
type Spec[T any] struct {
	// Getter reads the current value.
	Getter func(ctx context.Context) (T, error)
	// Satisfied reports whether the value ends the wait.
	Satisfied func(T) bool
	// Interval is the minimum spacing between the starts of two polls.
	Interval time.Duration
	// Backoff optionally grows the spacing; it never goes below Interval.
	Backoff backoff.BackOff
	// Timeout bounds the whole wait. A timeout shorter than Interval still
	// performs exactly one check.
	Timeout time.Duration
	// FailOnTimeout turns an unsatisfied wait into a WaitTimeout error
	// instead of returning (last, false, nil).
	FailOnTimeout bool
	// TolerateErrors keeps polling when Getter fails.
	TolerateErrors bool
	// Description names the condition in logs and errors.
	Description string
	Logger      *zap.SugaredLogger
}

// For runs spec. It returns the last value read, whether it satisfied the
// predicate, and an error for getter failures, cancellation, or a timeout
// with FailOnTimeout.
func For[T any](ctx context.Context, spec Spec[T]) (T, bool, error) {
	var last T
	if spec.Interval <= 0 {
		return last, false, serrors.Newf(serrors.ErrInvalidInput, "wait interval must be positive, got %s", spec.Interval)
	}
	if spec.Getter == nil || spec.Satisfied == nil {
		return last, false, serrors.New(serrors.ErrInvalidInput, "wait requires a getter and a predicate")
	}
	log := logging.OrNop(spec.Logger)
	desc := spec.Description
	if desc == "" {
		desc = "condition"
	}
	if spec.Backoff != nil {
		spec.Backoff.Reset()
	}

	start := time.Now()
	deadline := start.Add(spec.Timeout)
	var (
		lastErr error
		haveVal bool
		polls   int
	)

	for {
		pollStart := time.Now()
		polls++

		v, err := spec.Getter(ctx)
		switch {
		case err != nil && !spec.TolerateErrors:
			return last, false, err
		case err != nil:
			lastErr = err
			log.Debugw("wait getter failed, tolerating", "condition", desc, "poll", polls, "error", err)
		default:
			last, haveVal, lastErr = v, true, nil
			if spec.Satisfied(v) {
				log.Debugw("wait satisfied", "condition", desc, "polls", polls, "elapsed", time.Since(start))
				return v, true, nil
			}
		}

		interval := spec.Interval
		if spec.Backoff != nil {
			if d := spec.Backoff.NextBackOff(); d != backoff.Stop && d > interval {
				interval = d
			}
		}

		next := pollStart.Add(interval)
		if next.After(deadline) {
			log.Debugw("wait timed out", "condition", desc, "polls", polls, "elapsed", time.Since(start))
			if !spec.FailOnTimeout {
				return last, false, nil
			}
			return last, false, timeoutError(desc, spec.Timeout, polls, last, haveVal, lastErr)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func timeoutError[T any](desc string, timeout time.Duration, polls int, last T, haveVal bool, lastErr error) error {
	e := &serrors.Error{
		Code:    serrors.ErrWaitTimeout,
		Message: fmt.Sprintf("timed out after %s waiting for %s", timeout, desc),
		Cause:   lastErr,
		Context: map[string]interface{}{"polls": polls},
	}
	if haveVal {
		e.Context["last_value"] = fmt.Sprintf("%v", last)
	}
	return e
}

// Until polls cond every interval until it returns true. It fails with a
// WaitTimeout error when timeout passes first.
func Until(ctx context.Context, desc string, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	_, _, err := For(ctx, Spec[bool]{
		Getter:        cond,
		Satisfied:     func(ok bool) bool { return ok },
		Interval:      interval,
		Timeout:       timeout,
		FailOnTimeout: true,
		Description:   desc,
	})
	return err
}
