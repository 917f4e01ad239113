// Package main is the entry point for the analytics ETL engine.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/jaredapon/integreat-analytics/internal/config"
	"github.com/jaredapon/integreat-analytics/internal/db"
	"github.com/jaredapon/integreat-analytics/internal/pipeline"
	"github.com/jaredapon/integreat-analytics/internal/server"
	"github.com/jaredapon/integreat-analytics/internal/tenant"
	"github.com/jaredapon/integreat-analytics/internal/tracing"
	"github.com/jaredapon/integreat-analytics/internal/warehouse"
	"github.com/jaredapon/integreat-analytics/migrations"
)

func main() {
	cmd := &cli.Command{
		Name:  "etl",
		Usage: "Multi-tenant analytics ETL: raw API logs to star schema to tenant marts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("INTEGREAT_CONFIG"),
				Usage:   "Optional YAML config file path",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute one batch over a calendar-day window",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "date",
						Usage: "Window date as YYYY-MM-DD (default: yesterday in the reference timezone)",
					},
					&cli.StringFlag{
						Name:  "tenant",
						Usage: "Materialize only this tenant's mart",
					},
				},
				Action: runAction,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending warehouse schema migrations",
				Action: migrateAction,
			},
			{
				Name:  "serve",
				Usage: "Serve the run trigger API with health and metrics endpoints",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "HTTP listen port (overrides config)",
					},
				},
				Action: serveAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("etl failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// app bundles the pieces shared by the run and serve commands.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	runner  *pipeline.Runner
	promReg *prometheus.Registry
	tracer  *tracing.Provider
}

// close releases the app's resources, flushing any pending spans first.
func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		slog.Error("tracer shutdown failed", slog.Any("error", err))
	}
	a.db.Close()
}

// setup loads config, connects to the warehouse database, and builds the
// runner stack shared by the run and serve commands.
func setup(ctx context.Context, c *cli.Command) (*app, error) {
	cfg, errs := config.Load(c.String("config"))
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	logger := server.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.Any("config", cfg.LogSummary()))

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "integreat-etl",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	registry, err := tenant.NewRegistry(cfg.Tenants)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("build tenant registry: %w", err)
	}

	metrics := pipeline.NewMetrics()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(promReg); err != nil {
		database.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	wh := warehouse.NewPostgres(database, logger)
	runner := pipeline.NewRunner(wh, registry, cfg.Location(), cfg.MartWorkers, logger, metrics)
	return &app{cfg: cfg, db: database, runner: runner, promReg: promReg, tracer: tracer}, nil
}

func runAction(ctx context.Context, c *cli.Command) error {
	a, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.runner.Run(ctx, pipeline.Request{
		Date:   c.String("date"),
		Tenant: c.String("tenant"),
	})
	if summary != nil {
		for _, m := range summary.Marts {
			if m.Err != nil {
				slog.Error("mart failed", slog.String("tenant", m.Tenant), slog.Any("error", m.Err))
			}
		}
	}
	return err
}

func migrateAction(ctx context.Context, c *cli.Command) error {
	cfg, errs := config.Load(c.String("config"))
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger := server.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := migrations.Up(ctx, database); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func serveAction(ctx context.Context, c *cli.Command) error {
	a, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	port := strconv.Itoa(a.cfg.Port)
	if p := c.String("port"); p != "" {
		port = p
	}

	srv := server.New(a.runner, a.promReg, slog.Default()).HTTPServer(port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("port", port))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", slog.String("signal", sig.String()))
		return shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
