// Package app wires configuration, storage and services into one value used
// by the server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clawcontrol/internal/access"
	"clawcontrol/internal/agents"
	"clawcontrol/internal/approval"
	"clawcontrol/internal/config"
	"clawcontrol/internal/db"
	"clawcontrol/internal/dispatch"
	"clawcontrol/internal/gateway"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/migrate"
	"clawcontrol/internal/notify"
	"clawcontrol/internal/packages"
	"clawcontrol/internal/receipt"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/telemetry"
	"clawcontrol/internal/workflow"
)

const dispatchLockName = "dispatch"

type Options struct {
	Workspace string
	// Memory keeps all state in an in-memory database.
	Memory bool
	// Mock replaces the gateway client with an in-process fake runtime.
	Mock   bool
	Config *config.Config
	Logger *slog.Logger
}

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	DB        *sql.DB
	Repo      repo.Repo
	Governor  governor.Governor
	Engine    workflow.Engine
	Approvals approval.Service
	Dispatch  *dispatch.Coordinator
	Receipts  receipt.Recorder
	Runtime   gateway.Runtime
	Monitor   *gateway.Monitor
	Agents    *agents.Service
	Packages  packages.Service
	Access    *access.Authorizer
	Keys      access.Keys
	Relay     *notify.Relay

	closers []func() error
}

// Open loads config when none is given, opens and migrates the database and
// builds every service.
func Open(ctx context.Context, opts Options) (a *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		if cfg, err = config.LoadOrDefault(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Logging)
	}
	a = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	if a.Metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Memory: opts.Memory})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}
	a.Governor = governor.Governor{Logger: log, Metrics: a.Metrics}

	a.Engine = workflow.New(conn, cfg, log, a.Metrics)
	a.Approvals = approval.New(conn, a.Engine, a.Governor, log)
	a.Receipts = receipt.NewRecorder(conn, log, a.Metrics)

	lock, err := a.dispatchLock(conn)
	if err != nil {
		return nil, err
	}
	a.Dispatch = dispatch.NewCoordinator(a.Engine, lock, cfg.Dispatch.BatchLimit)

	if opts.Mock {
		a.Runtime = gateway.NewFake("ok")
	} else {
		a.Runtime = gateway.NewHTTPRuntime(cfg.Gateway)
	}
	if a.Monitor, err = gateway.NewMonitor(a.Runtime, cfg.Gateway, log, a.Metrics); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Monitor.Close(); return nil })
	a.Agents = agents.New(conn, a.Runtime, a.Monitor, a.Governor, a.Receipts, log)
	a.Packages = packages.New(conn, a.Monitor, a.Governor, a.Receipts, log)

	if a.Access, err = access.New(cfg.Access.Policies); err != nil {
		return nil, err
	}

	a.Keys = access.NewKeys(conn, a.Governor)

	sinks := notify.Webhooks(cfg.Notify.Webhooks)
	if cfg.Notify.NATS.URL != "" {
		nc, err := notify.ConnectNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		sinks = append(sinks, nc)
	}
	a.Relay = notify.NewRelay(a.Repo, sinks, log)
	return a, nil
}

// dispatchLock always serializes passes in-process and adds the configured
// cross-process lock on top.
func (a *App) dispatchLock(conn *sql.DB) (dispatch.Locker, error) {
	d := a.Config.Dispatch
	mem := dispatch.NewMemoryLock(d.Wait)
	switch d.Lock {
	case config.LockMemory:
		return mem, nil
	case config.LockRedis:
		rl, err := dispatch.NewRedisLock(a.Config.Redis.URL, "clawcontrol:lock:"+dispatchLockName, d.LeaseTTL, d.Wait)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		return dispatch.Chain{mem, rl}, nil
	default:
		return dispatch.Chain{mem, dispatch.NewLeaseLock(conn, dispatchLockName, d.LeaseTTL, d.Wait)}, nil
	}
}

// Start runs the dispatch scheduler and the activity relay until ctx ends.
func (a *App) Start(ctx context.Context) {
	go dispatch.Scheduler{
		Coordinator: a.Dispatch,
		Interval:    a.Config.Dispatch.Interval,
	}.Run(ctx)
	go a.Relay.Run(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
