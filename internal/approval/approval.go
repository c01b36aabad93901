// Package approval creates approvals and records decisions on them.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/workflow"
)

// Resumer moves a blocked operation back into the flow once its escalation
// is approved. workflow.Engine satisfies it.
type Resumer interface {
	ResumeOperation(ctx context.Context, operationID string, actor domain.Actor) (workflow.Outcome, error)
}

type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Governor governor.Governor
	Resumer  Resumer
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, resumer Resumer, gov governor.Governor, log *slog.Logger) Service {
	if log == nil {
		log = logger.Discard()
	}
	return Service{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Governor: gov,
		Resumer:  resumer,
		Logger:   log,
		Now:      time.Now,
	}
}

func (s Service) stamp() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

type CreateOptions struct {
	WorkOrderID string
	OperationID string
	Type        domain.ApprovalType
	QuestionMD  string
	Actor       domain.Actor
}

// Create opens a pending approval. The operation must belong to the named
// work order.
func (s Service) Create(ctx context.Context, opts CreateOptions) (domain.Approval, error) {
	if err := s.Governor.Require(ctx, governor.ApprovalCreate, governor.Input{}); err != nil {
		return domain.Approval{}, err
	}
	if !domain.ValidApprovalType(opts.Type) {
		return domain.Approval{}, apperr.New(apperr.CodeBadRequest, "unknown approval type %q", opts.Type)
	}
	if strings.TrimSpace(opts.QuestionMD) == "" {
		return domain.Approval{}, apperr.New(apperr.CodeBadRequest, "question_md is required")
	}
	var a domain.Approval
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		wo, err := s.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
		if err != nil {
			return notFound(err, "work order", opts.WorkOrderID)
		}
		op, err := s.Repo.GetOperation(ctx, tx, opts.OperationID)
		if err != nil {
			return notFound(err, "operation", opts.OperationID)
		}
		if op.WorkOrderID != wo.ID {
			return apperr.New(apperr.CodeApprovalOperationWorkOrderMismatch,
				"operation %s belongs to another work order", op.ID).
				WithDetails(map[string]any{"work_order_id": wo.ID, "operation_work_order_id": op.WorkOrderID})
		}
		a = domain.Approval{
			ID:          uuid.NewString(),
			WorkOrderID: wo.ID,
			OperationID: op.ID,
			Type:        opts.Type,
			Status:      domain.ApprovalPending,
			QuestionMD:  opts.QuestionMD,
			RequestedBy: opts.Actor.ID,
			CreatedAt:   s.stamp(),
		}
		if err := s.Repo.InsertApproval(ctx, tx, a); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeApprovalCreated,
			ActionKind: string(governor.ApprovalCreate),
			EntityKind: activity.EntityApproval,
			EntityID:   a.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"type": a.Type, "work_order_id": wo.ID, "operation_id": op.ID},
		})
	})
	return a, err
}

// Decision is the outcome of Decide.
type Decision struct {
	Approval         domain.Approval   `json:"approval"`
	Resumed          bool              `json:"resumed"`
	ResumeSuppressed bool              `json:"resume_suppressed"`
	Outcome          *workflow.Outcome `json:"outcome,omitempty"`
}

// Decide records a decision on a pending approval. An approval resumes its
// operation unless the operation holds a security veto, which only the
// explicit unblock action can lift.
func (s Service) Decide(ctx context.Context, id string, status domain.ApprovalStatus, actor domain.Actor) (Decision, error) {
	kind := governor.ApprovalApprove
	switch status {
	case domain.ApprovalApproved:
	case domain.ApprovalRejected:
		kind = governor.ApprovalReject
	default:
		return Decision{}, apperr.New(apperr.CodeBadRequest, "decision must be approved or rejected")
	}
	if err := s.Governor.Require(ctx, kind, governor.Input{}); err != nil {
		return Decision{}, err
	}
	var (
		d      Decision
		resume bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := s.Repo.GetApproval(ctx, tx, id)
		if err != nil {
			return notFound(err, "approval", id)
		}
		if a.Status != domain.ApprovalPending {
			return alreadyDecided(a)
		}
		now := s.stamp()
		ok, err := s.Repo.DecideApproval(ctx, tx, a.ID, status, actor.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return alreadyDecided(a)
		}
		a.Status, a.DecidedBy, a.DecidedAt = status, actor.ID, &now
		if err := s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeApprovalDecided,
			ActionKind: string(kind),
			EntityKind: activity.EntityApproval,
			EntityID:   a.ID,
			Actor:      actor,
			Payload:    activity.Payload{"status": status, "type": a.Type, "operation_id": a.OperationID},
		}); err != nil {
			return err
		}
		d.Approval = a
		if status != domain.ApprovalApproved {
			return nil
		}
		op, err := s.Repo.GetOperation(ctx, tx, a.OperationID)
		if err != nil {
			return err
		}
		if !op.IsSecurityVeto() {
			resume = op.Status == domain.OperationBlocked
			return nil
		}
		if err := s.Repo.MarkApprovalResumeSuppressed(ctx, tx, a.ID); err != nil {
			return err
		}
		d.ResumeSuppressed = true
		d.Approval.ResumeSuppressed = true
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeApprovalSuppressed,
			ActionKind: string(kind),
			EntityKind: activity.EntityApproval,
			EntityID:   a.ID,
			Actor:      actor,
			Payload:    activity.Payload{"operation_id": op.ID, "reason": domain.BlockReasonSecurityVeto},
		})
	})
	if err != nil {
		return Decision{}, err
	}
	if !resume || s.Resumer == nil {
		return d, nil
	}
	// The decision is committed; a failed resume leaves the operation blocked
	// for the operator to retry.
	out, err := s.Resumer.ResumeOperation(ctx, d.Approval.OperationID, actor)
	if err != nil {
		s.Logger.ErrorContext(ctx, "resume after approval failed", "approval_id", d.Approval.ID, "operation_id", d.Approval.OperationID, "err", err)
		return d, err
	}
	d.Resumed = out.Applied
	d.Outcome = &out
	return d, nil
}

func (s Service) Get(ctx context.Context, id string) (domain.Approval, error) {
	a, err := s.Repo.GetApproval(ctx, nil, id)
	return a, notFound(err, "approval", id)
}

func (s Service) List(ctx context.Context, f repo.ApprovalFilters) ([]domain.Approval, error) {
	return s.Repo.ListApprovals(ctx, nil, f)
}

func alreadyDecided(a domain.Approval) error {
	return apperr.New(apperr.CodeApprovalAlreadyDecided, "approval %s is already %s", a.ID, a.Status).
		WithDetails(map[string]any{"status": a.Status})
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) append(ctx context.Context, tx repo.DBTX, e activity.Entry) error {
	w := s.Activity
	if w.Now == nil {
		w.Now = s.Now
	}
	return w.Append(ctx, tx, e)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "%s %s not found", what, id)
	}
	return err
}
