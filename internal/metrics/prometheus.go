package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* =======================
   Prometheus
   ======================= */

// Exporter mirrors every stats sample into Prometheus collectors on its own
// registry.
type Exporter struct {
	registry       *prometheus.Registry
	runningWorkers prometheus.Gauge
	rate           prometheus.Gauge
	iterations     prometheus.Counter
	workerDelta    *prometheus.GaugeVec
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		runningWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqbench_running_workers",
			Help: "Number of workers inside their paced loop",
		}),
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqbench_rate",
			Help: "Aggregate iterations per second over the last stats interval",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqbench_iterations_total",
			Help: "Iterations completed by all workers",
		}),
		workerDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqbench_worker_interval_iterations",
			Help: "Iterations per worker over the last stats interval",
		}, []string{"worker"}),
	}

	e.registry.MustRegister(e.runningWorkers, e.rate, e.iterations, e.workerDelta)

	return e
}

// Sample is one stats interval.
type Sample struct {
	Rate    float64
	Delta   int64
	Running int
	Workers map[string]int64
}

// Observe records a stats sample. A nil exporter ignores it.
func (e *Exporter) Observe(s Sample) {
	if e == nil {
		return
	}

	e.rate.Set(s.Rate)
	e.runningWorkers.Set(float64(s.Running))

	if s.Delta > 0 {
		e.iterations.Add(float64(s.Delta))
	}

	for name, delta := range s.Workers {
		e.workerDelta.WithLabelValues(name).Set(float64(delta))
	}
}

func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
