// Package control runs one benchmark: it provisions the workers, confirms
// they started, waits for the run to end, shuts them down and reports the
// aggregate throughput.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/config"
	"mqbench/internal/destination"
	"mqbench/internal/lock"
	"mqbench/internal/logging"
	"mqbench/internal/metrics"
	"mqbench/internal/worker"
)

// ErrStartup is returned when a worker does not come up within its poll
// budget. No further workers are started after it.
var ErrStartup = errors.New("worker start-up failed")

const (
	// DefaultPollInterval is how often the running phase checks for completion.
	DefaultPollInterval = 2 * time.Second
	// DefaultShutdownPoll is the spacing of the -wk shutdown checks.
	DefaultShutdownPoll = time.Second

	// Outstanding workers are listed every this many shutdown polls.
	shutdownReportEvery = 10
)

type State int32

const (
	Initializing State = iota
	Validating
	StartingWorkers
	Running
	ShuttingDown
	Reporting
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Validating:
		return "validating"
	case StartingWorkers:
		return "starting-workers"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Reporting:
		return "reporting"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProviderFactory builds the provider for the worker with the given index.
type ProviderFactory func(index int, dests *destination.Factory) (worker.Provider, error)

type Option func(*Controller)

// WithInterrupt injects the flag an interrupt handler sets. The controller
// only reads it.
func WithInterrupt(flag *atomic.Bool) Option {
	return func(c *Controller) { c.interrupt = flag }
}

func WithExporter(e *metrics.Exporter) Option {
	return func(c *Controller) { c.exporter = e }
}

func WithGraphite(g *metrics.Graphite) Option {
	return func(c *Controller) { c.graphite = g }
}

// WithPollInterval sets how often the running phase checks for completion
// and interrupts.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithShutdownPoll sets the spacing of the shutdown checks; the shutdown
// budget is -wk of these.
func WithShutdownPoll(d time.Duration) Option {
	return func(c *Controller) { c.shutdownPoll = d }
}

// WithWorkerName sets the prefix of worker names.
func WithWorkerName(prefix string) Option {
	return func(c *Controller) { c.namePrefix = prefix }
}

// Controller owns every worker of a run.
type Controller struct {
	cfg         *config.Config
	newProvider ProviderFactory
	log         *zap.Logger

	exporter     *metrics.Exporter
	graphite     *metrics.Graphite
	interrupt    *atomic.Bool
	pollInterval time.Duration
	shutdownPoll time.Duration
	namePrefix   string

	state        atomic.Int32
	workers      []*worker.Unit
	launched     []*worker.Unit
	running      lock.Counter
	registry     *lock.Registry[*worker.Unit]
	destinations *destination.Factory

	shutdown     atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	terminated   chan struct{}
	background   sync.WaitGroup

	threadStartTime time.Time
	startTime       time.Time
	endTime         time.Time
}

func New(cfg *config.Config, newProvider ProviderFactory, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:             cfg,
		newProvider:     newProvider,
		log:             logger.Named("control"),
		pollInterval:    DefaultPollInterval,
		shutdownPoll:    DefaultShutdownPoll,
		namePrefix:      "worker",
		registry:        lock.NewRegistry[*worker.Unit](),
		shutdownCh:      make(chan struct{}),
		terminated:      make(chan struct{}),
		threadStartTime: time.Now(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.setState(Initializing)

	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state change", zap.Stringer("state", s))
}

// Workers returns the provisioned workers. The slice does not change once
// the run has left StartingWorkers.
func (c *Controller) Workers() []*worker.Unit { return c.workers }

// RunningWorkers is the number of workers currently inside their paced loop.
func (c *Controller) RunningWorkers() int { return c.running.Value() }

// SignalShutdown asks the run to end. Safe to call from any goroutine and
// more than once.
func (c *Controller) SignalShutdown() {
	c.shutdownOnce.Do(func() {
		c.shutdown.Store(true)
		close(c.shutdownCh)
	})
}

func (c *Controller) interrupted() bool {
	return c.interrupt != nil && c.interrupt.Load()
}

// Run executes the whole run. A configuration or start-up failure returns an
// error and no report.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.log.Debug("controlThread START")
	defer c.log.Debug("controlThread STOP")

	c.setState(Validating)

	if err := c.cfg.Validate(); err != nil {
		c.log.Error("The current configuration is not valid", zap.Error(err))
		c.setState(Terminated)

		return nil, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer c.terminate(cancel)

	if err := c.provision(); err != nil {
		c.log.Error("cannot provision workers", zap.Error(err))

		return nil, err
	}

	c.startStats()

	c.setState(StartingWorkers)

	if err := c.startWorkers(workerCtx); err != nil {
		c.SignalShutdown()
		c.setState(ShuttingDown)
		c.shutdownWorkers()

		return nil, err
	}

	c.startTime = time.Now()
	c.startTimer()

	c.setState(Running)
	c.waitRunning(ctx)

	approxEndTime := time.Now()

	c.setState(ShuttingDown)
	c.shutdownWorkers()

	c.setState(Reporting)

	return c.report(approxEndTime), nil
}

// provision creates every worker in the Created state. Nothing is started
// if any provider cannot be built.
func (c *Controller) provision() error {
	dests, err := destination.New(c.cfg.Destination, c.cfg.DestBase, c.cfg.DestMax, c.cfg.DestCount)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	c.destinations = dests
	c.log.Debug("destinations", zap.Stringer("factory", dests))

	pacer := &worker.Pacer{
		Rate:          c.cfg.Rate,
		MaxIterations: c.cfg.MaxIterations,
		Ramp:          c.cfg.Ramp(),
		YieldEvery:    c.cfg.YieldEvery,
	}

	c.workers = make([]*worker.Unit, 0, c.cfg.Workers)

	for i := 0; i < c.cfg.Workers; i++ {
		p, err := c.newProvider(i, dests)
		if err != nil {
			return fmt.Errorf("%w: worker %d: %w", config.ErrInvalid, i, err)
		}

		u := worker.NewUnit(fmt.Sprintf("%s%d", c.namePrefix, i), p, pacer, &c.running, &c.shutdown, c.log.Named("worker"))
		c.workers = append(c.workers, u)
		c.registry.Register(u.Name(), u)
	}

	return nil
}

// waitRunning returns once shutdown was requested or every worker ended.
func (c *Controller) waitRunning(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for !c.shutdown.Load() && !c.allEnded() {
		select {
		case <-ctx.Done():
			c.log.Info("context cancelled, shutting down")
			c.SignalShutdown()
		case <-c.shutdownCh:
		case <-ticker.C:
		}

		if c.interrupted() && !c.shutdown.Load() {
			c.log.Info("interrupt received, shutting down")
			c.SignalShutdown()
		}
	}
}

func (c *Controller) allEnded() bool {
	for _, u := range c.launched {
		if !u.State().Has(worker.Ended) {
			return false
		}
	}

	return true
}

func (c *Controller) outstanding() []string {
	var names []string

	for _, u := range c.launched {
		if !u.State().Has(worker.Ended) {
			names = append(names, u.Name())
		}
	}

	return names
}

// shutdownWorkers flags every launched worker and waits up to -wk polls for
// them to reach Ended. Workers still running after that are logged and left
// alone.
func (c *Controller) shutdownWorkers() {
	for _, u := range c.launched {
		u.SignalShutdown()
	}

	for attempt := 0; attempt < c.cfg.ShutdownWait; attempt++ {
		names := c.outstanding()
		if len(names) == 0 {
			return
		}

		if attempt%shutdownReportEvery == 0 {
			c.log.Info("waiting for workers to end", zap.Strings(logging.LogKeyWorker, names))
		}

		time.Sleep(c.shutdownPoll)
	}

	if names := c.outstanding(); len(names) > 0 {
		c.log.Warn("workers did not end within the shutdown budget",
			zap.Strings(logging.LogKeyWorker, names),
			zap.Int("wk", c.cfg.ShutdownWait),
		)
		c.displayWorkers()
	}
}

// displayWorkers dumps the registry at debug level.
func (c *Controller) displayWorkers() {
	c.registry.Each(func(name string, u *worker.Unit) {
		c.log.Debug("worker",
			zap.String(logging.LogKeyWorker, name),
			zap.Stringer("state", u.State()),
			zap.Int64("iterations", u.Iterations()),
		)
	})
}

// terminate stops the background goroutines, cancels the workers' context
// and releases the registry.
func (c *Controller) terminate(cancel context.CancelFunc) {
	close(c.terminated)
	c.background.Wait()

	cancel()

	for _, u := range c.workers {
		c.registry.Remove(u.Name())
	}

	c.setState(Terminated)
}
