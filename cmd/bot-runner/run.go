package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kubev2v/bot-runner/internal/api"
	"github.com/kubev2v/bot-runner/internal/artifact"
	"github.com/kubev2v/bot-runner/internal/bot/variants"
	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/dispatcher"
	"github.com/kubev2v/bot-runner/internal/events"
	"github.com/kubev2v/bot-runner/internal/helper"
	"github.com/kubev2v/bot-runner/internal/notify"
	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/runner"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/internal/worker"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"github.com/kubev2v/bot-runner/pkg/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job dispatcher, the reaper and the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := setup()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		defer done()

		zap.S().Info("Starting bot-runner")
		defer zap.S().Info("bot-runner stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := prometheus.Register(metrics.NewJobStatusCollector(func(ctx context.Context) (map[model.JobStatus]int, error) {
			return store.CountByStatus(ctx, s.Progress())
		})); err != nil {
			return fmt.Errorf("registering status collector: %w", err)
		}

		producer, err := events.NewProducer(cfg)
		if err != nil {
			return fmt.Errorf("creating line producer: %w", err)
		}
		defer producer.Close()

		exporter, err := newExporter(cfg)
		if err != nil {
			return err
		}

		launcher := helper.NewLauncher(cfg.Reaper.Marker)
		registry := variants.Default(variants.Deps{Config: cfg, Launcher: launcher})
		rp := reaper.New(reaper.NewSystemTable(), s.Progress(),
			reaper.WithMarker(cfg.Reaper.Marker),
			reaper.WithMode(cfg.Reaper.Mode),
			reaper.WithInterval(cfg.Reaper.Interval),
			reaper.WithPurgeAfter(cfg.Reaper.PurgeAfter),
		)

		pool, err := worker.NewPool(&worker.Config{
			Workers:     cfg.Worker.Workers,
			QueueSize:   cfg.Worker.QueueSize,
			TaskTimeout: cfg.Worker.TaskTimeout,
		})
		if err != nil {
			return err
		}
		pool.Start()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), cfg.Worker.SessionTimeout)
			defer stop()
			pool.Stop(stopCtx)
		}()

		rt := runner.New(registry, s.Progress(), producer,
			runner.WithSessionTimeout(cfg.Worker.SessionTimeout),
			runner.WithSweeper(rp),
			runner.WithExporter(exporter),
		)
		d := dispatcher.New(registry, s.Progress(), pool, rt,
			dispatcher.WithMaxAttempts(cfg.Worker.MaxIDAttempts),
			dispatcher.WithSweeper(rp),
		)

		// jobs and helpers left behind by a previous run
		n, err := d.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recovering interrupted jobs: %w", err)
		}
		if n > 0 {
			zap.S().Infow("failed interrupted jobs", "count", n)
		}
		if report := rp.Sweep(ctx); report.Terminated > 0 {
			zap.S().Infow("terminated orphaned helpers", "count", report.Terminated)
		}

		apiListener, err := newListener(cfg.Service.Address)
		if err != nil {
			return fmt.Errorf("creating listener: %w", err)
		}
		metricsListener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			return fmt.Errorf("creating metrics listener: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer cancel()
			return api.New(cfg, api.NewHandler(d, rp, cfg.Reaper.Mode), apiListener).Run(gctx)
		})
		g.Go(func() error {
			defer cancel()
			return api.NewMetricServer(metricsListener).Run(gctx)
		})
		g.Go(func() error {
			rp.Run(gctx)
			return nil
		})
		return g.Wait()
	},
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend != store.BackendSQL && cfg.Store.Backend != "" {
		return store.Open(ctx, cfg)
	}

	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}
	if err := migrations.MigrateStore(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store.NewStore(db), nil
}

func newExporter(cfg *config.Config) (*runner.Exporter, error) {
	uploader, err := artifact.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating artifact uploader: %w", err)
	}
	signer, err := notify.NewSignerFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	mailer, err := notify.NewMailerFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mailer: %w", err)
	}
	return runner.NewExporter(uploader, signer, mailer), nil
}
