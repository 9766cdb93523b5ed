// Package worker contains the per-worker state record and the pacing loop
// every worker goroutine runs.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/lock"
)

// State is a bit set; Error may be combined with any other flag.
type State uint32

const (
	Created State = 1 << iota
	Connecting
	Running
	Error
	Ending
	Ended
)

func (s State) String() string {
	if s == 0 {
		return "none"
	}

	names := []struct {
		flag State
		name string
	}{
		{Created, "created"},
		{Connecting, "connecting"},
		{Running, "running"},
		{Error, "error"},
		{Ending, "ending"},
		{Ended, "ended"},
	}

	var parts []string
	for _, n := range names {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

func (s State) Has(flag State) bool { return s&flag != 0 }

// Unit is the state of one worker. Only the goroutine running Run writes to
// it; the control and stats goroutines read iterations and state through
// atomic loads.
type Unit struct {
	name     string
	provider Provider
	pacer    *Pacer
	running  *lock.Counter
	global   *atomic.Bool
	log      *zap.Logger

	iterations atomic.Int64
	state      atomic.Uint32
	startNano  atomic.Int64
	endNano    atomic.Int64
	shutdown   atomic.Bool
}

// NewUnit returns a unit in the Created state. global is the run-wide
// shutdown flag; running is the shared running-worker counter.
func NewUnit(name string, p Provider, pacer *Pacer, running *lock.Counter, global *atomic.Bool, logger *zap.Logger) *Unit {
	u := &Unit{
		name:     name,
		provider: p,
		pacer:    pacer,
		running:  running,
		global:   global,
		log:      logger.Named(name),
	}

	u.state.Store(uint32(Created))

	return u
}

func (u *Unit) Name() string { return u.name }

func (u *Unit) Iterations() int64 { return u.iterations.Load() }

func (u *Unit) State() State { return State(u.state.Load()) }

func (u *Unit) setState(s State) { u.state.Store(uint32(s)) }

// StartTime is zero until the unit reaches Running.
func (u *Unit) StartTime() time.Time { return nanoTime(u.startNano.Load()) }

// EndTime is zero until the paced loop has returned.
func (u *Unit) EndTime() time.Time { return nanoTime(u.endNano.Load()) }

// SignalShutdown asks the unit to leave its loop at the next boundary.
func (u *Unit) SignalShutdown() { u.shutdown.Store(true) }

// ShouldStop reports whether the unit or the whole run was asked to stop.
func (u *Unit) ShouldStop() bool {
	return u.shutdown.Load() || (u.global != nil && u.global.Load())
}

// Run drives the provider through setup, the paced loop and teardown. It
// always leaves the unit in Ended, with Error kept if anything failed.
func (u *Unit) Run(ctx context.Context) {
	u.log.Info("START")

	u.setState(Connecting)

	if err := u.provider.Open(ctx); err != nil {
		u.log.Error("cannot open provider", zap.Error(err))
		u.setState(Error | Ended)

		return
	}

	u.startNano.Store(time.Now().UnixNano())
	u.setState(Running)
	u.log.Debug("entering client loop")

	failed := false

	if err := u.pacer.Run(ctx, u); err != nil {
		failed = true

		if !errors.Is(err, ErrHardFailure) {
			u.log.Error("paced loop failed", zap.Error(err))
		} else {
			u.log.Warn("iteration failed, worker stopping", zap.Int64("iterations", u.Iterations()))
		}
	}

	u.endNano.Store(time.Now().UnixNano())

	if failed {
		u.setState(Error | Ending)
	} else {
		u.setState(Ending)
	}

	if err := u.provider.Close(ctx); err != nil {
		failed = true
		u.log.Warn("provider close failed", zap.Error(err))
	}

	if failed {
		u.setState(Error | Ended)
	} else {
		u.setState(Ended)
	}

	u.log.Info("STOP", zap.Int64("iterations", u.Iterations()))
}

func nanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}
