package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/logging"
	"mqbench/internal/worker"
)

// startWorkers launches the workers one at a time and confirms each before
// the next is launched.
func (c *Controller) startWorkers(ctx context.Context) error {
	for _, u := range c.workers {
		c.launched = append(c.launched, u)
		go u.Run(ctx)

		if !confirmStarted(u, c.cfg.StartPollAttempts, c.cfg.StartPollInterval()) {
			c.log.Error("cannot start worker",
				zap.String(logging.LogKeyWorker, u.Name()),
				zap.Stringer("state", u.State()),
			)

			return fmt.Errorf("%w: %s", ErrStartup, u.Name())
		}

		c.log.Debug("worker started", zap.String(logging.LogKeyWorker, u.Name()))
	}

	c.log.Info("all workers started", zap.Int("workers", len(c.workers)))

	return nil
}

// confirmStarted polls the unit up to attempts times. A worker that has
// reached Running, or already finished, counts as started, even when it then
// failed in its loop. Error is a start-up failure only if the worker never
// got past Open. At least one interval is always slept.
func confirmStarted(u *worker.Unit, attempts int, interval time.Duration) bool {
	for attempt := 0; attempt < attempts; attempt++ {
		st := u.State()

		if st.Has(worker.Error) && u.StartTime().IsZero() {
			return false
		}

		if st.Has(worker.Running | worker.Ending | worker.Ended) {
			if attempt == 0 {
				time.Sleep(interval)
			}

			return true
		}

		time.Sleep(interval)
	}

	return false
}
