// Package workflow owns work order state and operation status. Nothing outside
// this package can write either column.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/telemetry"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Governor governor.Governor
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *slog.Logger, metrics *telemetry.Metrics) Engine {
	if log == nil {
		log = logger.Discard()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{},
		Governor: governor.Governor{Logger: log, Metrics: metrics},
		Config:   cfg,
		Logger:   log,
		Metrics:  metrics,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.Discard()
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendActivity(ctx context.Context, tx repo.DBTX, entry activity.Entry) error {
	w := e.Activity
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "%s %s not found", what, id)
	}
	return err
}
