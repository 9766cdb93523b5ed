package worker

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrHardFailure is returned by Pacer.Run when the provider reports a
// failure it cannot recover from.
var ErrHardFailure = errors.New("provider iteration failed")

const (
	// DefaultWindow is the pacing window used when Pacer.Window is unset.
	DefaultWindow = time.Second

	// Longest uninterrupted sleep inside a window, so shutdown is noticed
	// without waiting for the window to end.
	sleepSlice = 50 * time.Millisecond
)

// Pacer invokes a unit's provider at a configured cadence.
//
// Rate is in iterations per second, 0 meaning as fast as possible.
// MaxIterations counts successful iterations, 0 meaning unlimited. Ramp
// raises the rate linearly from zero over its duration. Every YieldEvery
// invocations the goroutine yields the processor.
type Pacer struct {
	Rate          int
	MaxIterations int64
	Ramp          time.Duration
	YieldEvery    int
	Window        time.Duration
}

// Run paces u until shutdown, MaxIterations or a hard failure. The shared
// running counter is incremented on entry and decremented on every exit.
func (p *Pacer) Run(ctx context.Context, u *Unit) error {
	if u.running != nil {
		u.running.Inc()
		defer u.running.Dec()
	}

	if p.Rate <= 0 {
		return p.unlimited(ctx, u)
	}

	return p.paced(ctx, u)
}

func (p *Pacer) unlimited(ctx context.Context, u *Unit) error {
	var calls int

	for !u.ShouldStop() {
		if p.done(u) {
			return nil
		}

		if err := p.invoke(ctx, u, &calls); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pacer) paced(ctx context.Context, u *Unit) error {
	var calls int

	window := p.window()
	start := time.Now()

	for {
		if u.ShouldStop() || p.done(u) {
			return nil
		}

		windowStart := time.Now()
		quota := p.Quota(windowStart.Sub(start) + window)

		if p.MaxIterations > 0 {
			quota = min(quota, p.MaxIterations-u.Iterations())
		}

		for n := int64(0); n < quota; n++ {
			if u.ShouldStop() {
				return nil
			}

			if err := p.invoke(ctx, u, &calls); err != nil {
				return err
			}
		}

		if p.done(u) {
			return nil
		}

		// No catch-up when the window overran.
		if elapsed := time.Since(windowStart); elapsed < window {
			if !p.pause(u, window-elapsed) {
				return nil
			}
		}
	}
}

// Quota returns how many invocations a window ending at elapsed (measured
// from the start of the loop) may make.
func (p *Pacer) Quota(elapsed time.Duration) int64 {
	perWindow := float64(p.Rate) * p.window().Seconds()

	if p.Ramp > 0 && elapsed < p.Ramp {
		perWindow *= float64(elapsed) / float64(p.Ramp)
	}

	return int64(perWindow)
}

func (p *Pacer) invoke(ctx context.Context, u *Unit, calls *int) error {
	switch u.provider.Iterate(ctx) {
	case Success:
		u.iterations.Add(1)
	case Timeout:
	default:
		return ErrHardFailure
	}

	*calls++
	if p.YieldEvery > 0 && *calls%p.YieldEvery == 0 {
		runtime.Gosched()
	}

	return nil
}

func (p *Pacer) done(u *Unit) bool {
	return p.MaxIterations > 0 && u.Iterations() >= p.MaxIterations
}

// pause sleeps for d in short slices and returns false as soon as the unit
// is asked to stop.
func (p *Pacer) pause(u *Unit, d time.Duration) bool {
	deadline := time.Now().Add(d)

	for {
		if u.ShouldStop() {
			return false
		}

		left := time.Until(deadline)
		if left <= 0 {
			return true
		}

		time.Sleep(min(left, sleepSlice))
	}
}

func (p *Pacer) window() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}

	return p.Window
}
