package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mqbench/internal/config"
	"mqbench/internal/control"
	"mqbench/internal/destination"
	"mqbench/internal/logging"
	"mqbench/internal/metrics"
	"mqbench/internal/provider"
	"mqbench/internal/worker"
)

var version = "0.1.0"

/* =======================
   Commands
   ======================= */

var rootCmd = &cobra.Command{
	Use:   "mqbench",
	Short: "Message middleware throughput benchmark",
	Long: `mqbench runs a fixed number of workers against a message broker, each
pacing its iterations to a target rate, and reports the aggregate
throughput periodically and at the end of the run.

Examples:
  mqbench --tc mqtt.publisher --nt 10 --rt 100 --rl 60
  mqbench --tc amqp.requester --d rpc --nt 4 --mg 10000
  mqbench --tc redis.sender --d list --db 1 --dx 8 --tx --cc 50
  mqbench --config run.yaml`,
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the workload provider kinds",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, k := range provider.Kinds() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", k, provider.WorkerName(k))
		}
	},
}

var flagConfigFile string

func init() {
	config.BindFlags(rootCmd.Flags())
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "configuration file (properties, yaml or json)")

	rootCmd.AddCommand(providersCmd)
}

/* =======================
   Main
   ======================= */

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return 2
	case errors.Is(err, control.ErrStartup):
		return 3
	default:
		return 1
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.New(), cmd.Flags(), flagConfigFile)
	if err != nil {
		return err
	}

	if !provider.Supported(cfg.Provider) {
		return fmt.Errorf("%w: -tc %q is not one of %s", config.ErrInvalid, cfg.Provider, strings.Join(provider.Kinds(), ", "))
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON, runID)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	defer func() { _ = logger.Sync() }()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("provider", cfg.Provider),
		zap.Int("workers", cfg.Workers),
		zap.Int("rate", cfg.Rate),
		zap.Int64("max_iterations", cfg.MaxIterations),
		zap.Int("run_length", cfg.RunLength),
	)

	var interrupt atomic.Bool

	if cfg.InterruptHandler {
		stop := watchSignals(&interrupt, logger)
		defer stop()
	}

	exporter := metrics.NewExporter()

	ctrl := control.New(cfg, newProviderFactory(cfg, logger), logger,
		control.WithInterrupt(&interrupt),
		control.WithExporter(exporter),
		control.WithGraphite(metrics.NewGraphite(cfg.Graphite.Host, cfg.Graphite.Port, cfg.Graphite.Root)),
		control.WithWorkerName(provider.WorkerName(cfg.Provider)),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			return exporter.Serve(gctx, cfg.MetricsAddr)
		})
	}

	g.Go(func() error {
		defer cancel()

		_, err := ctrl.Run(gctx)

		return err
	})

	return g.Wait()
}

/* =======================
   Helpers
   ======================= */

func newProviderFactory(cfg *config.Config, logger *zap.Logger) control.ProviderFactory {
	return func(index int, dests *destination.Factory) (worker.Provider, error) {
		return provider.New(cfg.Provider, cfg, index, dests, logger)
	}
}

// watchSignals sets interrupt on SIGINT or SIGTERM. The returned function
// stops watching.
func watchSignals(interrupt *atomic.Bool, logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})

	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received, stopping workers", zap.Stringer("signal", sig))
			interrupt.Store(true)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
