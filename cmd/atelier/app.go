package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/atelier/config"
	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/locker"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/natsutil"
	"github.com/c360studio/atelier/storage"
	"github.com/c360studio/atelier/storage/kv"
	"github.com/c360studio/atelier/storage/sqlite"
	"github.com/c360studio/atelier/trigger"
	"github.com/c360studio/atelier/workflow"
)

// App wires the configured store, model gateway, lock and orchestrator.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS is opened only when a component needs it.
	nats *natsutil.Conn

	store    storage.Store
	registry *model.Registry
	gateway  llm.Gateway
	redis    redis.UniversalClient
	locker   locker.Locker

	orchestrator *workflow.Orchestrator
}

// appOptions selects optional parts of the wiring.
type appOptions struct {
	// needNATS forces a NATS connection even with the sqlite store.
	needNATS bool

	// publishEvents attaches the NATS stage event publisher.
	publishEvents bool
}

// NewApp opens everything cfg describes. Close releases it.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if opts.needNATS || cfg.Store.Driver == config.DriverKV {
		conn, err := natsutil.Connect(natsutil.Options{
			URL:      cfg.NATS.URL,
			Embedded: cfg.NATS.Embedded && cfg.NATS.URL == "",
			StoreDir: cfg.NATS.StoreDir,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		a.nats = conn
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openModel(); err != nil {
		a.Close()
		return nil, err
	}

	a.openLocker()

	orchOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithLocker(a.locker),
		workflow.WithLockWait(cfg.Workflow.LockWait),
	}
	if opts.publishEvents && a.nats != nil {
		orchOpts = append(orchOpts, workflow.WithEventSink(trigger.NewPublisher(a.nats.NC, cfg.Trigger.EventsPrefix)))
	}
	a.orchestrator = workflow.New(a.store, a.gateway, orchOpts...)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverKV:
		s, err := kv.NewStore(ctx, a.nats.JS, kv.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("open kv store: %w", err)
		}
		a.store = s
	default:
		s, err := sqlite.Open(ctx, a.cfg.Store.Path, sqlite.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = s
	}
	a.logger.Debug("Store opened", "driver", a.cfg.Store.Driver)
	return nil
}

func (a *App) openModel() error {
	if a.cfg.Model.Registry != "" {
		reg, err := model.LoadFromFile(a.cfg.Model.Registry)
		if err != nil {
			return fmt.Errorf("load model registry: %w", err)
		}
		a.registry = reg
	} else {
		a.registry = model.NewDefaultRegistry()
	}

	gwOpts := []llm.GatewayOption{
		llm.WithTimeout(a.cfg.Model.Timeout),
		llm.WithTemperature(a.cfg.Model.Temperature),
		llm.WithGatewayLogger(a.logger),
	}
	if a.cfg.Model.MaxTokens > 0 {
		gwOpts = append(gwOpts, llm.WithMaxTokens(a.cfg.Model.MaxTokens))
	}
	a.gateway = llm.NewGateway(llm.NewClient(a.registry, llm.WithLogger(a.logger)), gwOpts...)
	return nil
}

func (a *App) openLocker() {
	if a.cfg.Redis.Addr == "" {
		a.locker = locker.NewLocalLocker()
		return
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.locker = locker.NewRedisLocker(a.redis,
		locker.WithTTL(a.cfg.Redis.LockTTL),
		locker.WithLogger(a.logger))
	a.logger.Info("Using Redis run lock", "addr", a.cfg.Redis.Addr)
}

// Close releases the store, Redis client and NATS connection.
func (a *App) Close() {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Shutdown error", "error", err)
	}
}
