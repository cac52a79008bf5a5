package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fluxforge/controltower/pkg/config"
	"github.com/fluxforge/controltower/pkg/gateway"
	"github.com/fluxforge/controltower/pkg/kernel"
	"github.com/fluxforge/controltower/pkg/logging"
	"github.com/fluxforge/controltower/pkg/observability"
	"github.com/fluxforge/controltower/pkg/streaming"
	"github.com/fluxforge/controltower/pkg/worker"
)

var (
	// Version is set via ldflags at build time.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controltower",
	Short:   "Control Tower - microkernel coordinator for long-running agent requests",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("controltower version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: jsonOut})
}

// components bundles every kernel-layer object a process needs, wired
// once at startup and threaded into whichever subcommand runs.
type components struct {
	cfg        config.Config
	table      *kernel.ProcessTable
	scheduler  *kernel.Scheduler
	tracker    *kernel.Tracker
	limiter    *kernel.RateLimiter
	registry   *kernel.Registry
	dispatcher *kernel.Dispatcher
	events     *kernel.EventAggregator
	interrupts *kernel.InterruptService
	facade     *kernel.Kernel
}

func wire(cfg config.Config) *components {
	log := logging.WithComponent("kernel")

	table := kernel.NewProcessTable(log)
	scheduler := kernel.NewScheduler(table, log)
	tracker := kernel.NewTracker(log)

	rlConfig := kernel.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
	}
	limiter := kernel.NewRateLimiter(rlConfig, log)

	registry := kernel.NewRegistry(log)
	dispatcher := kernel.NewDispatcher(registry, nil, log)
	events := kernel.NewEventAggregator(cfg.Events.GlobalCapacity, cfg.Events.PerPCBCapacity, log)
	interrupts := kernel.NewInterruptService(table, events, log)

	facade := kernel.NewKernel(table, scheduler, tracker, limiter, registry, dispatcher, events, interrupts, log)

	return &components{
		cfg:        cfg,
		table:      table,
		scheduler:  scheduler,
		tracker:    tracker,
		limiter:    limiter,
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		interrupts: interrupts,
		facade:     facade,
	}
}

func defaultQuotaFrom(cfg config.Config) kernel.ResourceQuota {
	return kernel.ResourceQuota{
		MaxLLMCalls:   cfg.Quota.MaxLLMCalls,
		MaxToolCalls:  cfg.Quota.MaxToolCalls,
		MaxAgentHops:  cfg.Quota.MaxAgentHops,
		MaxIterations: cfg.Quota.MaxIterations,
		MaxTokensIn:   cfg.Quota.MaxTokensIn,
		MaxTokensOut:  cfg.Quota.MaxTokensOut,
		MaxTokensCtx:  cfg.Quota.MaxTokensCtx,
		HardTimeout:   cfg.Quota.HardTimeout,
		SoftTimeout:   cfg.Quota.SoftTimeout,
	}
}

func initTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	return observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Control Tower API and event-stream gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		comps := wire(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		shutdownTracing, err := initTracing(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background())

		hub := streaming.NewHub(logging.WithComponent("streaming"))
		hub.Attach(comps.events)

		var signer *gateway.TokenSigner
		if !cfg.HTTP.AuthDisabled && cfg.HTTP.JWTSecret != "" {
			var err error
			signer, err = gateway.NewTokenSigner(cfg.HTTP.JWTSecret)
			if err != nil {
				return err
			}
		}

		api := gateway.NewAPI(comps.facade, hub, signer, logging.WithComponent("gateway"))

		mux := http.NewServeMux()
		mux.Handle("/", api.Routes())
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

		go hub.Run(ctx)

		go func() {
			logging.Logger.Info().Str("addr", cfg.HTTP.Addr).Msg("gateway_listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Logger.Fatal().Err(err).Msg("gateway_failed")
			}
		}()

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a distributed worker coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		comps := wire(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		shutdownTracing, err := initTracing(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background())

		queue := worker.NewMemoryQueue(1024)
		checkpoints := worker.NewMemoryCheckpointStore()

		workerConfig := worker.Config{
			Concurrency:       cfg.Worker.Concurrency,
			PollTimeout:       cfg.Worker.PollTimeout,
			PollBackoff:       250 * time.Millisecond,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			MaxTaskRetries:    cfg.Worker.MaxTaskRetries,
		}

		handler := func(ctx context.Context, task *worker.Task) (*kernel.Envelope, error) {
			return task.Envelope, nil
		}

		coordinator := worker.NewCoordinator(comps.facade, queue, checkpoints, handler, workerConfig, logging.WithComponent("worker"))

		logging.Logger.Info().Int("concurrency", workerConfig.Concurrency).Msg("worker_starting")
		coordinator.Run(ctx)
		return nil
	},
}
