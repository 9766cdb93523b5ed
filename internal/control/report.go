package control

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/worker"
)

// Report is the outcome of a completed run.
type Report struct {
	TotalIterations int64
	TotalSeconds    float64
	AvgRate         float64
	Workers         int
	Failed          int
	Start           time.Time
	End             time.Time
}

func (r *Report) String() string {
	return fmt.Sprintf("totalIterations=%d,totalSeconds=%.2f,avgRate=%.2f",
		r.TotalIterations, r.TotalSeconds, r.AvgRate)
}

// report aggregates the workers. The elapsed time runs from the earliest
// worker start to the latest worker end; the controller's own timestamps
// stand in for workers that never recorded one.
func (c *Controller) report(approxEndTime time.Time) *Report {
	r := &Report{Workers: len(c.workers)}

	start := c.startTime
	var end time.Time

	for _, u := range c.workers {
		r.TotalIterations += u.Iterations()

		if u.State().Has(worker.Error) {
			r.Failed++
		}

		if s := u.StartTime(); !s.IsZero() && (start.IsZero() || s.Before(start)) {
			start = s
		}

		if e := u.EndTime(); e.After(end) {
			end = e
		}
	}

	if end.IsZero() {
		end = approxEndTime
	}

	if c.cfg.ReportFromThreadStart() {
		start = c.threadStartTime
	}

	c.endTime = end

	r.Start = start
	r.End = end
	r.TotalSeconds = end.Sub(start).Seconds()

	if r.TotalSeconds > 0 {
		r.AvgRate = float64(r.TotalIterations) / r.TotalSeconds
	}

	if c.cfg.Summary {
		c.log.Info(r.String(),
			zap.Int("workers", r.Workers),
			zap.Int("failed", r.Failed),
		)
	}

	return r
}
