package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/buildmanager/internal/amqputil"
	"github.com/k11v/buildmanager/internal/build"
	"github.com/k11v/buildmanager/internal/build/buildamqp"
	"github.com/k11v/buildmanager/internal/build/buildcodegen"
	"github.com/k11v/buildmanager/internal/build/buildhttp"
	"github.com/k11v/buildmanager/internal/build/buildnats"
	"github.com/k11v/buildmanager/internal/build/buildpg"
	"github.com/k11v/buildmanager/internal/build/buildsqlite"
	"github.com/k11v/buildmanager/internal/metrics"
	"github.com/k11v/buildmanager/internal/postgresutil"
	"github.com/k11v/buildmanager/internal/s3util"
	"github.com/k11v/buildmanager/internal/scheduler"
	"github.com/k11v/buildmanager/internal/server"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg.Development)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, closeDatabase, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()

	mq := amqputil.NewClient(cfg.AMQP.URL)
	defer closeWithLog(mq, log)

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg, mq, log)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	if cfg.Codegen.URL == "" {
		return errors.New("missing BUILD_MANAGER_CODEGEN_URL")
	}
	s3Client, err := s3util.NewClient(cfg.S3.ConnectionString, cfg.S3.Region)
	if err != nil {
		return err
	}
	if err = s3util.Setup(ctx, s3Client, cfg.S3.Bucket); err != nil {
		return err
	}
	generator := buildcodegen.NewGenerator(buildcodegen.NewS3Storage(s3Client, cfg.S3.Bucket), &cfg.Codegen)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	runner := build.NewRunner(database, generator, dispatcher, build.WithLogger(log), build.WithRecorder(recorder))

	reconciler := build.NewReconciler(database, dispatcher, log, recorder)
	if cfg.Reconcile.MinAge > 0 {
		reconciler.MinAge = cfg.Reconcile.MinAge
	}
	if cfg.Reconcile.Limit > 0 {
		reconciler.Limit = cfg.Reconcile.Limit
	}
	sched, err := scheduler.New(log)
	if err != nil {
		return err
	}
	_, err = sched.Every(cfg.Reconcile.interval(), "reconcile-events", func(ctx context.Context) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("didn't stop scheduler", "err", err)
		}
	}()

	consumer := buildamqp.NewConsumer(cfg.AMQP.URL, buildamqp.NewHandler(runner, log), &buildamqp.ConsumerConfig{
		Prefetch:    cfg.AMQP.Prefetch,
		Concurrency: cfg.AMQP.Concurrency,
		Queues:      cfg.AMQP.Inbound,
	}, log)

	handler := buildhttp.NewHandler(runner, &build.Getter{Database: database}, metrics.HTTPHandler(registry), log)
	srv := server.New(&cfg.Server, log, handler)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx, &cfg.Server, log, srv)
	})
	return g.Wait()
}

func newLogger(w io.Writer, development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}

func openDatabase(ctx context.Context, cfg *config) (build.Database, func(), error) {
	switch cfg.database() {
	case databasePostgres:
		if cfg.Postgres.DSN == "" {
			return nil, nil, errors.New("missing BUILD_MANAGER_POSTGRES_DSN")
		}
		pool, err := postgresutil.NewPoolWithConfig(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return buildpg.NewDatabase(pool), pool.Close, nil
	case databaseSQLite:
		db, err := buildsqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database %q", cfg.Database)
	}
}

func newDispatcher(ctx context.Context, cfg *config, mq *amqputil.Client, log *slog.Logger) (build.Dispatcher, func(), error) {
	switch cfg.dispatcher() {
	case dispatcherAMQP:
		return buildamqp.NewDispatcher(mq, cfg.AMQP.Outbound), func() {}, nil
	case dispatcherNATS:
		return buildnats.Connect(ctx, &cfg.NATS, log)
	default:
		return nil, nil, fmt.Errorf("unknown dispatcher %q", cfg.Dispatcher)
	}
}

func closeWithLog(c io.Closer, log *slog.Logger) {
	if err := c.Close(); err != nil {
		log.Error("didn't close", "err", err)
	}
}
