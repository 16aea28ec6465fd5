package kernel

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultRestartAttempts = 3
	defaultBackoffMin      = 100 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultBackoffFactor   = 2.0
)

// RestartPolicy bounds how hard Restart tries to bring a kernel back.
type RestartPolicy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
}

// DefaultRestartPolicy returns three attempts with exponential backoff.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: defaultRestartAttempts,
		Min:         defaultBackoffMin,
		Max:         defaultBackoffMax,
		Factor:      defaultBackoffFactor,
	}
}

func (p RestartPolicy) normalize() RestartPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRestartAttempts
	}
	if p.Min <= 0 {
		p.Min = defaultBackoffMin
	}
	if p.Max <= 0 {
		p.Max = defaultBackoffMax
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.Factor <= 1 {
		p.Factor = defaultBackoffFactor
	}
	return p
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// sleepBackoff waits a jittered delay and advances base for the next attempt.
func (m *Manager) sleepBackoff(ctx context.Context, base *time.Duration) error {
	pol := m.policy
	delay := *base
	if delay <= 0 {
		delay = pol.Min
	}
	if delay > pol.Max {
		delay = pol.Max
	}

	jittered := m.jitter(delay)
	if jittered > pol.Max {
		jittered = pol.Max
	}
	if jittered < 0 {
		jittered = 0
	}
	if err := m.sleep(ctx, jittered); err != nil {
		return err
	}

	next := float64(delay) * pol.Factor
	if math.IsInf(next, 0) || next > float64(pol.Max) {
		*base = pol.Max
		return nil
	}
	n := time.Duration(next)
	if n < pol.Min {
		n = pol.Min
	}
	*base = n
	return nil
}
