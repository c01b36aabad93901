// Package receipt records the output and outcome of governed executions.
// A receipt is finalized exactly once.
package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/telemetry"
)

// Exit codes recorded when the callee does not supply one.
const (
	ExitFailed  = 1
	ExitAborted = 130
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

type Recorder struct {
	Repo    repo.Repo
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func NewRecorder(db *sql.DB, log *slog.Logger, metrics *telemetry.Metrics) Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return Recorder{Repo: repo.Repo{DB: db}, Logger: log, Metrics: metrics, Now: time.Now}
}

func (r Recorder) stamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

type BeginOptions struct {
	ActionKind  string
	CommandName string
	Actor       domain.Actor
	TargetKind  string
	TargetID    string
}

// Begin opens a running receipt.
func (r Recorder) Begin(ctx context.Context, opts BeginOptions) (domain.Receipt, error) {
	if opts.ActionKind == "" || opts.CommandName == "" {
		return domain.Receipt{}, apperr.New(apperr.CodeBadRequest, "receipt needs an action kind and a command name")
	}
	rc := domain.Receipt{
		ID:          uuid.NewString(),
		ActionKind:  opts.ActionKind,
		CommandName: opts.CommandName,
		ActorID:     opts.Actor.ID,
		TargetKind:  opts.TargetKind,
		TargetID:    opts.TargetID,
		Status:      domain.ReceiptRunning,
		StartedAt:   r.stamp(),
	}
	if err := r.Repo.InsertReceipt(ctx, nil, rc); err != nil {
		return domain.Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	return rc, nil
}

// Append adds a chunk to one of the receipt's streams.
func (r Recorder) Append(ctx context.Context, id string, stream Stream, chunk string) error {
	ok, err := r.Repo.AppendReceiptOutput(ctx, nil, id, stream == Stderr, chunk)
	if err != nil {
		return err
	}
	if !ok {
		return r.notRunning(ctx, id)
	}
	return nil
}

// Finalize closes the receipt. A second call fails with RECEIPT_ALREADY_FINALIZED.
func (r Recorder) Finalize(ctx context.Context, id string, status domain.ReceiptStatus, exitCode int) (domain.Receipt, error) {
	switch status {
	case domain.ReceiptSucceeded, domain.ReceiptFailed, domain.ReceiptAborted:
	default:
		return domain.Receipt{}, apperr.New(apperr.CodeBadRequest, "receipt cannot be finalized as %q", status)
	}
	ok, err := r.Repo.FinalizeReceipt(ctx, nil, id, status, exitCode, r.stamp())
	if err != nil {
		return domain.Receipt{}, err
	}
	if !ok {
		return domain.Receipt{}, r.notRunning(ctx, id)
	}
	rc, err := r.Repo.GetReceipt(ctx, nil, id)
	if err != nil {
		return rc, err
	}
	r.Metrics.ReceiptFinalized(ctx, rc.ActionKind, string(status))
	return rc, nil
}

func (r Recorder) notRunning(ctx context.Context, id string) error {
	rc, err := r.Repo.GetReceipt(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "receipt %s not found", id)
	}
	if err != nil {
		return err
	}
	return apperr.New(apperr.CodeReceiptAlreadyFinalized, "receipt %s is already %s", id, rc.Status).
		WithDetails(map[string]any{"status": rc.Status})
}

// Writer appends to one receipt.
type Writer struct {
	rec Recorder
	id  string
}

func (w Writer) ID() string { return w.id }

func (w Writer) Stdout(ctx context.Context, chunk string) error {
	return w.rec.Append(ctx, w.id, Stdout, chunk)
}

func (w Writer) Stderr(ctx context.Context, chunk string) error {
	return w.rec.Append(ctx, w.id, Stderr, chunk)
}

// Func does the work recorded by Run and returns the exit code on success.
type Func func(ctx context.Context, w Writer) (exitCode int, err error)

// Run begins a receipt, runs fn and always finalizes: succeeded on nil error,
// aborted when the context was cancelled, failed otherwise. A panic in fn is
// recorded as failed and then re-raised.
func (r Recorder) Run(ctx context.Context, opts BeginOptions, fn Func) (rc domain.Receipt, err error) {
	rc, err = r.Begin(ctx, opts)
	if err != nil {
		return rc, err
	}
	w := Writer{rec: r, id: rc.ID}
	finalize := func(status domain.ReceiptStatus, code int) {
		// The caller's context may already be cancelled.
		fctx := context.WithoutCancel(ctx)
		out, ferr := r.Finalize(fctx, rc.ID, status, code)
		if ferr != nil {
			if !apperr.Is(ferr, apperr.CodeReceiptAlreadyFinalized) {
				r.Logger.ErrorContext(fctx, "finalize receipt", "receipt_id", rc.ID, "err", ferr)
			}
			if latest, gerr := r.Repo.GetReceipt(fctx, nil, rc.ID); gerr == nil {
				rc = latest
			}
			return
		}
		rc = out
	}
	defer func() {
		if p := recover(); p != nil {
			_ = w.Stderr(context.WithoutCancel(ctx), fmt.Sprintf("panic: %v\n", p))
			finalize(domain.ReceiptFailed, ExitFailed)
			panic(p)
		}
	}()
	code, err := fn(ctx, w)
	switch {
	case err == nil:
		finalize(domain.ReceiptSucceeded, code)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		finalize(domain.ReceiptAborted, ExitAborted)
	default:
		_ = w.Stderr(context.WithoutCancel(ctx), err.Error()+"\n")
		if code == 0 {
			code = ExitFailed
		}
		finalize(domain.ReceiptFailed, code)
	}
	return rc, err
}

func (r Recorder) Get(ctx context.Context, id string) (domain.Receipt, error) {
	rc, err := r.Repo.GetReceipt(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rc, apperr.Wrap(apperr.CodeNotFound, err, "receipt %s not found", id)
	}
	return rc, err
}

func (r Recorder) List(ctx context.Context, f repo.ReceiptFilters) ([]domain.Receipt, error) {
	return r.Repo.ListReceipts(ctx, f)
}
