package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/repo"
)

// The two functions in this file are the only writers of work_orders.state
// and operations.status. Both compare-and-swap on the current value, so a
// concurrent writer turns into INVALID_TRANSITION instead of a lost update.

type workOrderChange struct {
	// BlockedReason: nil keeps, "" clears.
	BlockedReason *string
	CurrentStage  *string
	ShippedAt     *string
}

func (e Engine) setWorkOrderState(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, to domain.WorkOrderState, ch workOrderChange) (domain.WorkOrder, error) {
	if err := ensureWorkOrderTransition(wo.State, to); err != nil {
		return wo, err
	}
	now := e.stamp()
	fields := []string{"state=?", "updated_at=?"}
	args := []any{string(to), now}
	if ch.BlockedReason != nil {
		fields = append(fields, "blocked_reason=?")
		args = append(args, nullableString(*ch.BlockedReason))
		wo.BlockedReason = *ch.BlockedReason
	}
	if ch.CurrentStage != nil {
		fields = append(fields, "current_stage=?")
		args = append(args, nullableString(*ch.CurrentStage))
		wo.CurrentStage = *ch.CurrentStage
	}
	if ch.ShippedAt != nil {
		fields = append(fields, "shipped_at=?")
		args = append(args, *ch.ShippedAt)
		wo.ShippedAt = ch.ShippedAt
	}
	args = append(args, wo.ID, string(wo.State))
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE work_orders SET %s WHERE id=? AND state=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return wo, fmt.Errorf("update work order state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wo, apperr.New(apperr.CodeInvalidTransition, "work order %s changed concurrently", wo.Code)
	}
	wo.State = to
	wo.UpdatedAt = now
	return wo, nil
}

// setWorkOrderStage moves an active work order to another stage without a state change.
func (e Engine) setWorkOrderStage(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, stage string) (domain.WorkOrder, error) {
	now := e.stamp()
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET current_stage=?, updated_at=? WHERE id=? AND state=?`, stage, now, wo.ID, string(wo.State))
	if err != nil {
		return wo, fmt.Errorf("update work order stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wo, apperr.New(apperr.CodeInvalidTransition, "work order %s changed concurrently", wo.Code)
	}
	wo.CurrentStage = stage
	wo.UpdatedAt = now
	return wo, nil
}

type operationChange struct {
	Assignees        []string
	BlockedReason    *string
	EscalationReason *string
	Output           *string
	CompletedAt      *string
}

func (e Engine) setOperationStatus(ctx context.Context, tx repo.DBTX, op domain.Operation, to domain.OperationStatus, ch operationChange) (domain.Operation, error) {
	if err := ensureOperationTransition(op.Status, to); err != nil {
		return op, err
	}
	now := e.stamp()
	fields := []string{"status=?", "updated_at=?"}
	args := []any{string(to), now}
	if ch.Assignees != nil {
		fields = append(fields, "assignee_agent_ids=?")
		args = append(args, encodeIDs(ch.Assignees))
		op.AssigneeAgentIDs = ch.Assignees
	}
	if ch.BlockedReason != nil {
		fields = append(fields, "blocked_reason=?")
		args = append(args, nullableString(*ch.BlockedReason))
		op.BlockedReason = *ch.BlockedReason
	}
	if ch.EscalationReason != nil {
		fields = append(fields, "escalation_reason=?")
		args = append(args, nullableString(*ch.EscalationReason))
		op.EscalationReason = *ch.EscalationReason
	}
	if ch.Output != nil {
		fields = append(fields, "output=?")
		args = append(args, nullableString(*ch.Output))
		op.Output = *ch.Output
	}
	if ch.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *ch.CompletedAt)
		op.CompletedAt = ch.CompletedAt
	}
	args = append(args, op.ID, string(op.Status))
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE operations SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return op, fmt.Errorf("update operation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return op, apperr.New(apperr.CodeInvalidTransition, "operation %s changed concurrently", op.ID)
	}
	op.Status = to
	op.UpdatedAt = now
	return op, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ptr[T any](v T) *T { return &v }

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ids)
	return string(data)
}
