package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/batchpool"
	"github.com/VsevolodSauta/batchpool/sink"
)

// app holds the resources shared by every command.
type app struct {
	storeKind   string
	dataDir     string
	dsn         string
	endpoint    string
	redisAddr   string
	amqpURL     string
	metricsAddr string
	verbose     bool

	logger   *slog.Logger
	config   *batchpool.Config
	store    batchpool.Store
	registry *prometheus.Registry
	closers  []func() error
}

func (a *app) open(ctx context.Context) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	a.config = batchpool.LoadConfig()

	switch a.storeKind {
	case "badger":
		if err := os.MkdirAll(a.dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := batchpool.NewBadgerStore(filepath.Join(a.dataDir, "badger"), a.logger)
		if err != nil {
			if strings.Contains(err.Error(), "directory lock") {
				return fmt.Errorf("%w (the badger store is in use by another process; "+
					"use --store postgres to control jobs across processes)", err)
			}
			return err
		}
		a.store = store
	case "postgres":
		if a.dsn == "" {
			return errors.New("--dsn (or BATCHPOOL_DATABASE_URL) is required for the postgres store")
		}
		store, err := batchpool.NewPostgresStore(ctx, a.dsn, a.logger)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown store %q (want badger or postgres)", a.storeKind)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

// controller builds a controller with the configured processor, sinks and metrics.
func (a *app) controller() (*batchpool.Controller, error) {
	opts := []batchpool.ControllerOption{}

	if a.metricsAddr != "" {
		a.registry = prometheus.NewRegistry()
		opts = append(opts, batchpool.WithMetrics(batchpool.NewMetrics(a.registry)))
		a.serveMetrics()
	}

	if a.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.redisAddr})
		a.closers = append(a.closers, client.Close)
		opts = append(opts, batchpool.WithObservers(sink.NewRedisPublisher(client, sink.WithRedisLogger(a.logger))))
	}

	if a.amqpURL != "" {
		conn, err := amqp.Dial(a.amqpURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open a channel: %w", err)
		}
		a.closers = append(a.closers, ch.Close)
		publisher, err := sink.NewAMQPPublisher(ch, "", a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, batchpool.WithObservers(publisher))
	}

	processor := newProcessor(a.endpoint, a.logger)
	ctrl := batchpool.NewController(a.store, processor, a.config, a.logger, opts...)
	a.closers = append(a.closers, ctrl.Close)
	return ctrl, nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Close)
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:          "batchpoolctl",
		Short:        "Create, run and inspect batch jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "estimate" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.storeKind, "store", envOr("BATCHPOOL_STORE", "badger"), "Job store backend (badger, postgres)")
	flags.StringVar(&a.dataDir, "data-dir", envOr("BATCHPOOL_DATA_DIR", "./batchpool-data"), "Data directory for the badger store")
	flags.StringVar(&a.dsn, "dsn", os.Getenv("BATCHPOOL_DATABASE_URL"), "PostgreSQL connection URL")
	flags.StringVar(&a.endpoint, "endpoint", os.Getenv("BATCHPOOL_PROCESSOR_URL"), "HTTP endpoint that processes one item (echo processor when empty)")
	flags.StringVar(&a.redisAddr, "redis-addr", os.Getenv("BATCHPOOL_REDIS_ADDR"), "Publish progress to this Redis server")
	flags.StringVar(&a.amqpURL, "amqp-url", os.Getenv("BATCHPOOL_AMQP_URL"), "Publish progress to this RabbitMQ server")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(createCmd(a))
	rootCmd.AddCommand(runCmd(a))
	rootCmd.AddCommand(pauseCmd(a))
	rootCmd.AddCommand(resumeCmd(a))
	rootCmd.AddCommand(cancelCmd(a))
	rootCmd.AddCommand(deleteCmd(a))
	rootCmd.AddCommand(cleanupCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(workerCmd(a))

	return rootCmd, a
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
