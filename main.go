package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/ts-factory/bublik-sub000/internal/config"
	"github.com/ts-factory/bublik-sub000/internal/metadata"
	"github.com/ts-factory/bublik-sub000/internal/metrics"
	"github.com/ts-factory/bublik-sub000/internal/policy"
	"github.com/ts-factory/bublik-sub000/internal/repository"
	"github.com/ts-factory/bublik-sub000/internal/service"
	handler "github.com/ts-factory/bublik-sub000/internal/transport/http"
)

type app struct {
	logger zerolog.Logger
	cfg    *config.Config
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	a := &app{
		logger: log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		}),
	}

	cliApp := &cli.App{
		Name:  "bublik-live",
		Usage: "Live import of test runs",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:    "database",
				Usage:   "SQLite database DSN",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "project-config",
				Usage:   "YAML project configuration file",
				EnvVars: []string{"PROJECT_CONFIG"},
			},
		},
		Before: a.before,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the live import API",
				Action: a.serve,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Usage:   "HTTP port",
						EnvVars: []string{"HTTP_PORT"},
					},
					&cli.DurationFlag{
						Name:  "reap-interval",
						Usage: "Close abandoned live runs periodically (0 closes them only when read)",
					},
				},
			},
			{
				Name:   "reap",
				Usage:  "Close abandoned live runs once",
				Action: a.reap,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		a.logger.Fatal().Err(err).Msg("exiting")
	}
}

func (a *app) before(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("database") {
		cfg.DatabaseURL = c.String("database")
	}
	if c.IsSet("project-config") && c.String("project-config") != cfg.ProjectConfig {
		pc, err := config.LoadProjectFile(c.String("project-config"))
		if err != nil {
			return fmt.Errorf("failed to load project configuration: %w", err)
		}
		cfg.ProjectConfig = c.String("project-config")
		cfg.Project = *pc
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	if c.Bool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return nil
}

func (a *app) newService(ctx context.Context, reg prometheus.Registerer) (*service.Service, func(), error) {
	db, err := repository.NewSQLiteStore(a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy, a.cfg.Project.AllowedProjects)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	opts := service.Options{
		Metadata: metadata.Config{
			Project:       a.cfg.Project.Project,
			RunKeyMetas:   a.cfg.Project.RunKeyMetas,
			RunStatusMeta: a.cfg.Project.RunStatusMeta,
		},
		TripTime:  a.cfg.TripTime,
		Debug:     a.cfg.Project.Debug,
		Admission: engine,
		Logger:    a.logger,
	}
	if reg != nil {
		opts.Metrics = metrics.New(reg)
	}
	svc := service.New(db, repository.NewSQLiteCache(db), opts)
	return svc, func() { db.Close() }, nil
}

func (a *app) serve(c *cli.Context) error {
	cfg := a.cfg
	if c.IsSet("port") {
		cfg.HTTPPort = c.Int("port")
	}
	if c.IsSet("reap-interval") {
		cfg.ReapInterval = c.Duration("reap-interval")
	}

	a.logger.Info().
		Int("port", cfg.HTTPPort).
		Str("database", cfg.DatabaseURL).
		Str("project", cfg.Project.Project).
		Dur("trip_time", cfg.TripTime).
		Msg("starting live import server")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, closeStore, err := a.newService(ctx, reg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.ReapInterval > 0 {
		go svc.RunReaper(ctx, cfg.ReapInterval)
	}

	server := handler.NewServer(svc, reg, a.logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("failed to start server")
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info().Msg("shutting down live import server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to shutdown server gracefully")
	}
	a.logger.Info().Msg("live import server stopped")
	return nil
}

func (a *app) reap(c *cli.Context) error {
	svc, closeStore, err := a.newService(c.Context, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	closed, err := svc.ReapAll(c.Context)
	if err != nil {
		return err
	}
	a.logger.Info().Int("closed", closed).Msg("abandoned live runs closed")
	return nil
}
