package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/mealsched/internal/api"
	"github.com/example/mealsched/internal/autoreg"
	"github.com/example/mealsched/internal/config"
	"github.com/example/mealsched/internal/db"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/events"
	"github.com/example/mealsched/internal/extcode"
	"github.com/example/mealsched/internal/infrastructure/postgres"
	"github.com/example/mealsched/internal/logging"
	"github.com/example/mealsched/internal/metrics"
	"github.com/example/mealsched/internal/migrate"
	"github.com/example/mealsched/internal/registration"
	"github.com/example/mealsched/internal/runs"
	"github.com/example/mealsched/internal/window"
)

// app holds the wired components shared by every database-backed command.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	db     *db.DB
	events events.Publisher
	dir    *postgres.Directory
	reg    *registration.Service
	runs   *runs.Repo
	runner *autoreg.Runner
	codes  *extcode.Codec
	api    *api.API

	closers []func()
}

func loadConfig(opts *rootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	d, err := db.Open(ctx, cfg.DatabaseURL, db.Options{QueryTimeout: 10 * time.Second})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = d
	a.closers = append(a.closers, d.Close)

	if err := d.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if opts.migrateUp {
		applied, err := migrate.Up(ctx, d)
		if err != nil {
			a.Close()
			return nil, err
		}
		if len(applied) > 0 {
			log.Info("migrations applied", zap.Strings("files", applied))
		}
	}

	a.events = events.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, events.DefaultExchange)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("amqp: %w", err)
		}
		a.events = pub
		a.closers = append(a.closers, pub.Close)
	}

	if cfg.ExternalCodeSecret != nil {
		if a.codes, err = extcode.New(cfg.ExternalCodeSecret, cfg.ExternalCodeMaxAge); err != nil {
			a.Close()
			return nil, err
		}
	}

	metrics.Register()

	a.dir = postgres.NewDirectory(d, cfg.DefaultTimezone)
	a.reg = registration.New(postgres.NewRegistrationStore(d), a.dir, a.dir,
		registration.WithPublisher(a.events),
		registration.WithLogger(log))
	a.runs = runs.NewRepo(d)
	a.runner = &autoreg.Runner{
		Registrar:   a.reg,
		Configs:     a.dir,
		Students:    a.dir,
		Tenants:     a.dir,
		Runs:        a.runs,
		Events:      a.events,
		Log:         log,
		Concurrency: cfg.AutoregConcurrency,
		MaxErrors:   cfg.AutoregMaxErrors,
	}
	var codes api.Codes
	if a.codes != nil {
		codes = a.codes
	}
	a.api = api.New(a.reg, a.runner, codes, log)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// today returns the tenant-local date, falling back to DEFAULT_TIMEZONE
// when the tenant has no configuration.
func (a *app) today(ctx context.Context, tenantID string) string {
	now := time.Now()
	cfg, err := a.dir.Config(ctx, tenantID)
	if err != nil {
		return meal.Day(now.In(a.cfg.DefaultTimezone)).Format(meal.DateLayout)
	}
	return window.Today(cfg, now).Format(meal.DateLayout)
}
