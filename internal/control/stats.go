package control

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/metrics"
)

// startStats launches the periodic rate reporter when -ss is positive. It
// runs until the controller terminates, sampling once per interval and
// leaving at the first loop top that sees the shutdown flag.
func (c *Controller) startStats() {
	interval := c.cfg.StatsDuration()
	if interval <= 0 {
		return
	}

	s := &statsReporter{
		c:         c,
		interval:  interval,
		perWorker: c.cfg.PerWorkerStats,
		id:        c.cfg.RunID,
		log:       c.log.Named("stats"),
	}

	c.background.Add(1)

	go func() {
		defer c.background.Done()
		s.run()
	}()
}

type statsReporter struct {
	c         *Controller
	interval  time.Duration
	perWorker bool
	id        string
	log       *zap.Logger

	prev []int64
}

func (s *statsReporter) run() {
	s.log.Debug("statsThread START")
	defer s.log.Debug("statsThread STOP")

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for !s.c.shutdown.Load() {
		select {
		case <-s.c.terminated:
			return
		case <-timer.C:
		}

		s.sample(time.Now())
		timer.Reset(s.interval)
	}
}

// sample takes one reading of every worker's iteration count and publishes
// the rate since the previous reading.
func (s *statsReporter) sample(now time.Time) {
	workers := s.c.Workers()

	curr := make([]int64, len(workers))
	for i, u := range workers {
		curr[i] = u.Iterations()
	}

	deltas, total := intervalDeltas(s.prev, curr)
	s.prev = curr

	rate := float64(total) / s.interval.Seconds()
	running := s.c.RunningWorkers()

	s.log.Info(formatStats(s.id, s.perWorker, deltas, rate, running))

	s.c.graphite.Send(rate, now)

	sample := metrics.Sample{Rate: rate, Delta: total, Running: running}
	if s.perWorker {
		sample.Workers = make(map[string]int64, len(deltas))
		for i, d := range deltas {
			sample.Workers[workers[i].Name()] = d
		}
	}

	s.c.exporter.Observe(sample)
}

// intervalDeltas pairs the two readings by position. Workers present only in
// curr contribute their full count.
func intervalDeltas(prev, curr []int64) ([]int64, int64) {
	deltas := make([]int64, len(curr))

	var total int64

	for i, n := range curr {
		d := n
		if i < len(prev) {
			d = n - prev[i]
		}

		deltas[i] = d
		total += d
	}

	return deltas, total
}

// formatStats renders "id=<id>, (d0\td1\t) rate=<r>,threads=<n>"; the id and
// the per-worker group appear only when set.
func formatStats(id string, perWorker bool, deltas []int64, rate float64, running int) string {
	var b strings.Builder

	if id != "" {
		fmt.Fprintf(&b, "id=%s,", id)
	}

	if perWorker {
		b.WriteString(" (")
		for _, d := range deltas {
			fmt.Fprintf(&b, "%d\t", d)
		}
		b.WriteString(") ")
	}

	fmt.Fprintf(&b, "rate=%.2f,threads=%d", rate, running)

	return b.String()
}
