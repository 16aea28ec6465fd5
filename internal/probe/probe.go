// Package probe runs a check repeatedly and reports when it crosses its
// success or failure threshold.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the outcome a probe has settled on.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusReady   Status = "ready"
	StatusUnready Status = "unready"
)

// Event is emitted by Watch whenever the settled status changes.
type Event struct {
	Status Status
	Reason string
	Err    error
	At     time.Time
}

// Prober performs one check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Func adapts a function to Prober.
type Func func(ctx context.Context) error

// Probe implements Prober.
func (f Func) Probe(ctx context.Context) error { return f(ctx) }

// Spec controls cadence and thresholds. Zero thresholds mean one.
type Spec struct {
	GracePeriod      time.Duration
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// streak counts consecutive outcomes and reports the status they settle on.
type streak struct {
	needOK, needFail int
	ok, fail         int
}

func newStreak(spec Spec) *streak {
	return &streak{needOK: max(spec.SuccessThreshold, 1), needFail: max(spec.FailureThreshold, 1)}
}

func (s *streak) record(err error) Status {
	if err == nil {
		s.ok, s.fail = s.ok+1, 0
		if s.ok >= s.needOK {
			return StatusReady
		}
		return StatusUnknown
	}
	s.ok, s.fail = 0, s.fail+1
	if s.fail >= s.needFail {
		return StatusUnready
	}
	return StatusUnknown
}

// run probes until visit returns false or ctx ends. It returns ctx.Err()
// when the context ended the loop.
func run(ctx context.Context, prober Prober, spec Spec, visit func(err error) bool) error {
	if err := pause(ctx, spec.GracePeriod); err != nil {
		return err
	}
	for {
		err := attempt(ctx, prober, spec.Timeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !visit(err) {
			return nil
		}
		if err := pause(ctx, spec.Interval); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Until blocks until prober meets the success threshold. It fails once the
// failure threshold is reached or ctx is done.
func Until(ctx context.Context, prober Prober, spec Spec) error {
	if prober == nil {
		return nil
	}
	s := newStreak(spec)
	var failed error
	err := run(ctx, prober, spec, func(err error) bool {
		switch s.record(err) {
		case StatusReady:
			return false
		case StatusUnready:
			failed = fmt.Errorf("probe failed after %d consecutive errors: %w", s.fail, err)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return failed
}

// Watch probes until ctx is cancelled and emits an Event each time the
// settled status flips. The returned channel closes when the loop ends.
func Watch(ctx context.Context, prober Prober, spec Spec, now func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if prober == nil {
		close(events)
		return events
	}
	if now == nil {
		now = time.Now
	}
	go func() {
		defer close(events)
		s := newStreak(spec)
		current := StatusUnknown
		_ = run(ctx, prober, spec, func(err error) bool {
			next := s.record(err)
			if next == StatusUnknown || next == current {
				return true
			}
			current = next
			evt := Event{Status: next, Err: err, At: now()}
			if err != nil {
				evt.Reason = err.Error()
			}
			select {
			case events <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return events
}

func attempt(ctx context.Context, prober Prober, timeout time.Duration) error {
	if timeout <= 0 {
		return prober.Probe(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := prober.Probe(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no answer within %s", timeout)
	}
	return err
}
