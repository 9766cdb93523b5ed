package control

import (
	"time"

	"go.uber.org/zap"
)

// startTimer ends the run after -rl seconds. Nothing is started for rl == 0,
// and the goroutine leaves early if the run ends first.
func (c *Controller) startTimer() {
	d := c.cfg.RunLengthDuration()
	if d <= 0 {
		return
	}

	log := c.log.Named("timer")

	c.background.Add(1)

	go func() {
		defer c.background.Done()

		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-t.C:
			log.Info("run length reached, shutting down", zap.Duration("rl", d))
			c.SignalShutdown()
		case <-c.shutdownCh:
		case <-c.terminated:
		}
	}()
}
