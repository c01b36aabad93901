package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

// WorkOrderPatch is a generic edit. State is accepted only to be rejected.
type WorkOrderPatch struct {
	Title    *string
	Goal     *string
	Notes    *string
	Priority *int
	State    *string
}

// PatchWorkOrder applies plain field edits. Any state field is rejected with
// MANAGER_CONTROLLED_STATE and nothing is written.
func (e Engine) PatchWorkOrder(ctx context.Context, ref string, patch WorkOrderPatch, actor domain.Actor) (domain.WorkOrder, error) {
	if patch.State != nil {
		return domain.WorkOrder{}, apperr.New(apperr.CodeManagerControlledState,
			"work order state is controlled by the workflow engine; use dispatch, resume, cancel or ship").
			WithDetails(map[string]any{"requested_state": *patch.State})
	}
	if err := e.Governor.Require(ctx, governor.WorkOrderEdit, governor.Input{}); err != nil {
		return domain.WorkOrder{}, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.WorkOrder{}, apperr.New(apperr.CodeBadRequest, "title must not be empty")
	}
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		fields := repo.WorkOrderFields{Title: patch.Title, Goal: patch.Goal, Notes: patch.Notes, Priority: patch.Priority}
		if fields.Empty() {
			return nil
		}
		if err := e.Repo.UpdateWorkOrderFields(ctx, tx, wo.ID, fields, e.stamp()); err != nil {
			return err
		}
		if wo, err = e.Repo.GetWorkOrder(ctx, tx, wo.ID); err != nil {
			return err
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderUpdated,
			ActionKind: string(governor.WorkOrderEdit),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      actor,
			Payload:    patchPayload(patch),
		})
	})
	return wo, err
}

func patchPayload(p WorkOrderPatch) activity.Payload {
	out := activity.Payload{}
	if p.Title != nil {
		out["title"] = *p.Title
	}
	if p.Goal != nil {
		out["goal"] = *p.Goal
	}
	if p.Notes != nil {
		out["notes"] = *p.Notes
	}
	if p.Priority != nil {
		out["priority"] = *p.Priority
	}
	return out
}

// startWorkOrder moves a planned work order to active. Only Assign calls it,
// so nothing outside the engine can start work. A blocked work order must go
// through ResumeWorkOrder instead.
func (e Engine) startWorkOrder(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, actor domain.Actor) (domain.WorkOrder, error) {
	if wo.State == domain.WorkOrderBlocked {
		return wo, apperr.New(apperr.CodeWorkOrderBlockedUseResume, "work order %s is blocked; use resume flow instead of start", wo.Code)
	}
	wo, err := e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderActive, workOrderChange{})
	if err != nil {
		return wo, err
	}
	return wo, e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeWorkOrderStarted,
		EntityKind: activity.EntityWorkOrder,
		EntityID:   wo.ID,
		Actor:      actor,
		Payload:    activity.Payload{"code": wo.Code, "stage": wo.CurrentStage},
	})
}

// BlockWorkOrder puts an active work order on hold with a reason.
func (e Engine) BlockWorkOrder(ctx context.Context, ref, reason string, actor domain.Actor) (domain.WorkOrder, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderEdit, governor.Input{}); err != nil {
		return domain.WorkOrder{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = domain.BlockReasonOperator
	}
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		wo, err = e.blockWorkOrder(ctx, tx, wo, reason, "", actor)
		return err
	})
	return wo, err
}

func (e Engine) blockWorkOrder(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, reason, operationID string, actor domain.Actor) (domain.WorkOrder, error) {
	wo, err := e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderBlocked, workOrderChange{BlockedReason: ptr(reason)})
	if err != nil {
		return wo, err
	}
	return wo, e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeWorkOrderBlocked,
		EntityKind: activity.EntityWorkOrder,
		EntityID:   wo.ID,
		Actor:      actor,
		Payload:    activity.Payload{"code": wo.Code, "reason": reason, "operation_id": operationID},
	})
}

// ResumeOptions carry the operator confirmation for governed transitions.
type ResumeOptions struct {
	TypedConfirmText *string
	Actor            domain.Actor
}

// ResumeWorkOrder moves a blocked work order back to active and clears its
// blocked reason. It refuses while any operation still holds a security veto.
func (e Engine) ResumeWorkOrder(ctx context.Context, ref string, opts ResumeOptions) (domain.WorkOrder, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderResume, governor.Input{TypedConfirmText: opts.TypedConfirmText}); err != nil {
		return domain.WorkOrder{}, err
	}
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		ops, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID, Status: domain.OperationBlocked})
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.IsSecurityVeto() {
				return apperr.New(apperr.CodePolicyDenied, "operation %s holds a security veto; unblock it explicitly first", op.Key).
					WithDetails(map[string]any{"operation_id": op.ID})
			}
		}
		wo, err = e.resumeWorkOrder(ctx, tx, wo, opts.Actor)
		return err
	})
	return wo, err
}

func (e Engine) resumeWorkOrder(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, actor domain.Actor) (domain.WorkOrder, error) {
	prev := wo.BlockedReason
	wo, err := e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderActive, workOrderChange{BlockedReason: ptr("")})
	if err != nil {
		return wo, err
	}
	return wo, e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeWorkOrderResumed,
		ActionKind: string(governor.WorkOrderResume),
		EntityKind: activity.EntityWorkOrder,
		EntityID:   wo.ID,
		Actor:      actor,
		Payload:    activity.Payload{"code": wo.Code, "previous_reason": prev},
	})
}

// CancelWorkOrder is governed by TYPED_CODE: the operator types the work order code.
func (e Engine) CancelWorkOrder(ctx context.Context, ref string, opts ResumeOptions) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		if err := e.Governor.Require(ctx, governor.WorkOrderCancel, governor.Input{
			TypedConfirmText:    opts.TypedConfirmText,
			ExpectedConfirmText: wo.Code,
		}); err != nil {
			return err
		}
		wo, err = e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderCancelled, workOrderChange{BlockedReason: ptr("")})
		if err != nil {
			return err
		}
		halted, err := e.haltOperations(ctx, tx, wo)
		if err != nil {
			return err
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderCancelled,
			ActionKind: string(governor.WorkOrderCancel),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"code": wo.Code, "halted_operations": halted},
		})
	})
	return wo, err
}

// haltOperations parks the in-progress operations of a cancelled work order as
// blocked, unassigned, and frees their agents' WIP slots.
func (e Engine) haltOperations(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder) ([]string, error) {
	ops, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID, Status: domain.OperationInProgress})
	if err != nil {
		return nil, err
	}
	halted := []string{}
	var agentIDs []string
	for _, op := range ops {
		agentIDs = append(agentIDs, op.AssigneeAgentIDs...)
		if _, err := e.setOperationStatus(ctx, tx, op, domain.OperationBlocked, operationChange{
			Assignees:     []string{},
			BlockedReason: ptr(domain.BlockReasonCancelled),
		}); err != nil {
			return nil, err
		}
		halted = append(halted, op.ID)
	}
	return halted, e.releaseAgents(ctx, tx, agentIDs)
}

// ShipWorkOrder moves a done work order to shipped. It needs CONFIRM and an
// approved ship_gate approval for the work order.
func (e Engine) ShipWorkOrder(ctx context.Context, ref string, opts ResumeOptions) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		gate, err := e.latestApproval(ctx, tx, wo.ID, "", domain.ApprovalShipGate)
		if err != nil {
			return err
		}
		if err := e.Governor.Require(ctx, governor.WorkOrderShip, governor.Input{
			TypedConfirmText: opts.TypedConfirmText,
			Approval:         gate,
		}); err != nil {
			return err
		}
		shippedAt := e.stamp()
		wo, err = e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderShipped, workOrderChange{ShippedAt: &shippedAt})
		if err != nil {
			return err
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderShipped,
			ActionKind: string(governor.WorkOrderShip),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"code": wo.Code, "approval_id": gate.ID},
		})
	})
	return wo, err
}

// latestApproval prefers an approved record over pending or rejected ones.
func (e Engine) latestApproval(ctx context.Context, tx repo.DBTX, workOrderID, operationID string, typ domain.ApprovalType) (*domain.Approval, error) {
	approvals, err := e.Repo.ListApprovals(ctx, tx, repo.ApprovalFilters{WorkOrderID: workOrderID, OperationID: operationID, Type: typ})
	if err != nil {
		return nil, err
	}
	if len(approvals) == 0 {
		return nil, nil
	}
	for _, a := range approvals {
		if a.Status == domain.ApprovalApproved {
			return &a, nil
		}
	}
	return &approvals[0], nil
}

// AcceptReview moves a work order in review to done and opens a pending
// ship gate approval on its last operation.
func (e Engine) AcceptReview(ctx context.Context, ref string, actor domain.Actor) (domain.WorkOrder, domain.Approval, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderReview, governor.Input{}); err != nil {
		return domain.WorkOrder{}, domain.Approval{}, err
	}
	var (
		wo   domain.WorkOrder
		gate domain.Approval
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		wo, err = e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderDone, workOrderChange{})
		if err != nil {
			return err
		}
		ops, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID})
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return fmt.Errorf("work order %s has no operations", wo.Code)
		}
		last := ops[len(ops)-1]
		gate = domain.Approval{
			ID:          uuid.NewString(),
			WorkOrderID: wo.ID,
			OperationID: last.ID,
			Type:        domain.ApprovalShipGate,
			Status:      domain.ApprovalPending,
			QuestionMD:  fmt.Sprintf("Ship **%s** (%s)?", wo.Code, wo.Title),
			RequestedBy: actor.ID,
			CreatedAt:   e.stamp(),
		}
		if err := e.Repo.InsertApproval(ctx, tx, gate); err != nil {
			return err
		}
		if err := e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeApprovalCreated,
			EntityKind: activity.EntityApproval,
			EntityID:   gate.ID,
			Actor:      actor,
			Payload:    activity.Payload{"type": gate.Type, "work_order_id": wo.ID, "operation_id": last.ID},
		}); err != nil {
			return err
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderDone,
			ActionKind: string(governor.WorkOrderReview),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      actor,
			Payload:    activity.Payload{"code": wo.Code, "ship_gate_id": gate.ID},
		})
	})
	return wo, gate, err
}

// ReturnForRework moves a work order in review back to active and adds a
// rework operation to its final stage for dispatch to pick up.
func (e Engine) ReturnForRework(ctx context.Context, ref, notes string, actor domain.Actor) (domain.WorkOrder, domain.Operation, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderReview, governor.Input{}); err != nil {
		return domain.WorkOrder{}, domain.Operation{}, err
	}
	var (
		wo     domain.WorkOrder
		rework domain.Operation
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		ops, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID})
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return fmt.Errorf("work order %s has no operations", wo.Code)
		}
		wo, err = e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderActive, workOrderChange{})
		if err != nil {
			return err
		}
		last := ops[len(ops)-1]
		count := 0
		for _, op := range ops {
			if strings.HasPrefix(op.Key, "rework-") {
				count++
			}
		}
		now := e.stamp()
		rework = domain.Operation{
			ID:                    uuid.NewString(),
			WorkOrderID:           wo.ID,
			Stage:                 last.Stage,
			StageIndex:            last.StageIndex,
			Key:                   fmt.Sprintf("rework-%d", count+1),
			Title:                 "Address review feedback",
			Station:               last.Station,
			Status:                domain.OperationTodo,
			AssigneeAgentIDs:      []string{},
			DependsOnOperationIDs: []string{},
			Notes:                 notes,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := e.Repo.InsertOperation(ctx, tx, rework); err != nil {
			return err
		}
		if wo.CurrentStage != last.Stage {
			if wo, err = e.setWorkOrderStage(ctx, tx, wo, last.Stage); err != nil {
				return err
			}
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderReworked,
			ActionKind: string(governor.WorkOrderReview),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      actor,
			Payload:    activity.Payload{"code": wo.Code, "operation_id": rework.ID, "notes": notes},
		})
	})
	return wo, rework, err
}

// GetWorkOrder loads a work order with its operations.
func (e Engine) GetWorkOrder(ctx context.Context, ref string) (domain.WorkOrder, []domain.Operation, error) {
	wo, err := e.Repo.GetWorkOrder(ctx, nil, ref)
	if err != nil {
		return wo, nil, notFound(err, "work order", ref)
	}
	ops, err := e.Repo.ListOperations(ctx, nil, repo.OperationFilters{WorkOrderID: wo.ID})
	return wo, ops, err
}
