package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

// Signal is a completion report from the execution runtime.
type Signal struct {
	Status      domain.OperationStatus `json:"status" enum:"done,review,rework,blocked"`
	Output      string                 `json:"output,omitempty"`
	BlockReason string                 `json:"block_reason,omitempty"`
	Question    string                 `json:"question_md,omitempty"`
}

// Outcome reports whether a completion signal was applied or absorbed.
type Outcome struct {
	Applied    bool             `json:"applied"`
	Noop       bool             `json:"noop"`
	Code       apperr.Code      `json:"code,omitempty"`
	Operation  domain.Operation `json:"operation"`
	WorkOrder  domain.WorkOrder `json:"work_order"`
	ApprovalID string           `json:"approval_id,omitempty"`
	Advanced   string           `json:"advanced_to,omitempty"`
}

// AdvanceOnCompletion applies a completion signal. Duplicate, out-of-order and
// stale signals are absorbed as no-ops; both guards are evaluated in the same
// transaction as the write.
func (e Engine) AdvanceOnCompletion(ctx context.Context, operationID string, sig Signal, actor domain.Actor) (Outcome, error) {
	switch sig.Status {
	case domain.OperationDone, domain.OperationReview, domain.OperationRework, domain.OperationBlocked:
	default:
		return Outcome{}, apperr.New(apperr.CodeBadRequest, "completion status must be one of done, review, rework, blocked")
	}
	if err := e.Governor.Require(ctx, governor.OperationComplete, governor.Input{}); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		op, err := e.Repo.GetOperation(ctx, tx, operationID)
		if err != nil {
			return notFound(err, "operation", operationID)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, tx, op.WorkOrderID)
		if err != nil {
			return err
		}
		out = Outcome{Operation: op, WorkOrder: wo}
		switch {
		case op.Status != domain.OperationInProgress:
			out.Noop, out.Code = true, apperr.CodeCompletionInvalidState
		case wo.State != domain.WorkOrderActive:
			out.Noop, out.Code = true, apperr.CodeCompletionStaleIgnored
		}
		if out.Noop {
			return e.appendActivity(ctx, tx, activity.Entry{
				Type:       activity.TypeCompletionIgnored,
				ActionKind: string(governor.OperationComplete),
				EntityKind: activity.EntityOperation,
				EntityID:   op.ID,
				Actor:      actor,
				Payload: activity.Payload{
					"code":             out.Code,
					"signal":           sig.Status,
					"operation_status": op.Status,
					"work_order_state": wo.State,
				},
			})
		}
		out.Applied = true
		return e.applyCompletion(ctx, tx, &out, sig, actor)
	})
	if err != nil {
		return Outcome{}, err
	}
	if out.Noop {
		e.Metrics.CompletionNoop(ctx, string(out.Code))
		e.log().InfoContext(ctx, "completion ignored", "operation_id", operationID, "code", out.Code, "signal", sig.Status)
	}
	return out, nil
}

func (e Engine) applyCompletion(ctx context.Context, tx repo.DBTX, out *Outcome, sig Signal, actor domain.Actor) error {
	op, wo := out.Operation, out.WorkOrder
	if sig.Status == domain.OperationBlocked {
		return e.escalate(ctx, tx, out, sig, actor)
	}
	ch := operationChange{}
	if sig.Output != "" {
		ch.Output = ptr(sig.Output)
	}
	if sig.Status == domain.OperationDone {
		ch.CompletedAt = ptr(e.stamp())
	}
	op, err := e.setOperationStatus(ctx, tx, op, sig.Status, ch)
	if err != nil {
		return err
	}
	out.Operation = op
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeOperationCompleted,
		ActionKind: string(governor.OperationComplete),
		EntityKind: activity.EntityOperation,
		EntityID:   op.ID,
		Actor:      actor,
		Payload:    activity.Payload{"status": op.Status, "work_order_id": wo.ID, "key": op.Key},
	}); err != nil {
		return err
	}
	if err := e.releaseAgents(ctx, tx, op.AssigneeAgentIDs); err != nil {
		return err
	}
	if op.Status != domain.OperationDone {
		return nil
	}
	wo, advanced, err := e.advanceStage(ctx, tx, wo, actor)
	if err != nil {
		return err
	}
	out.WorkOrder = wo
	out.Advanced = advanced
	return nil
}

// escalate blocks the operation and its work order and opens a pending
// approval, all inside the caller's transaction.
func (e Engine) escalate(ctx context.Context, tx repo.DBTX, out *Outcome, sig Signal, actor domain.Actor) error {
	op, wo := out.Operation, out.WorkOrder
	reason := strings.TrimSpace(sig.BlockReason)
	if reason == "" {
		reason = domain.BlockReasonEscalated
	}
	ch := operationChange{BlockedReason: ptr(reason), EscalationReason: ptr(reason)}
	if sig.Output != "" {
		ch.Output = ptr(sig.Output)
	}
	op, err := e.setOperationStatus(ctx, tx, op, domain.OperationBlocked, ch)
	if err != nil {
		return err
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeOperationEscalated,
		ActionKind: string(governor.OperationComplete),
		EntityKind: activity.EntityOperation,
		EntityID:   op.ID,
		Actor:      actor,
		Payload:    activity.Payload{"reason": reason, "work_order_id": wo.ID},
	}); err != nil {
		return err
	}
	if err := e.releaseAgents(ctx, tx, op.AssigneeAgentIDs); err != nil {
		return err
	}
	if wo, err = e.blockWorkOrder(ctx, tx, wo, reason, op.ID, actor); err != nil {
		return err
	}
	typ := domain.ApprovalRiskyAction
	if reason == domain.BlockReasonSecurityVeto {
		typ = domain.ApprovalSecurityReview
	}
	question := sig.Question
	if question == "" {
		question = fmt.Sprintf("Operation **%s** of %s escalated: %s", op.Title, wo.Code, reason)
	}
	approval := domain.Approval{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		OperationID: op.ID,
		Type:        typ,
		Status:      domain.ApprovalPending,
		QuestionMD:  question,
		RequestedBy: actor.ID,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeApprovalCreated,
		EntityKind: activity.EntityApproval,
		EntityID:   approval.ID,
		Actor:      actor,
		Payload:    activity.Payload{"type": approval.Type, "work_order_id": wo.ID, "operation_id": op.ID},
	}); err != nil {
		return err
	}
	out.Operation, out.WorkOrder, out.ApprovalID = op, wo, approval.ID
	return nil
}

// advanceStage moves the work order to its next stage once every operation of
// the current stage is done, or to review after the last stage.
func (e Engine) advanceStage(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, actor domain.Actor) (domain.WorkOrder, string, error) {
	ops, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID})
	if err != nil {
		return wo, "", err
	}
	current := -1
	for _, op := range ops {
		if op.Stage == wo.CurrentStage && op.StageIndex > current {
			current = op.StageIndex
		}
	}
	next := ""
	nextIdx := -1
	for _, op := range ops {
		if op.StageIndex == current && op.Status != domain.OperationDone {
			return wo, "", nil
		}
		if op.StageIndex > current && (nextIdx == -1 || op.StageIndex < nextIdx) {
			nextIdx, next = op.StageIndex, op.Stage
		}
	}
	if next != "" {
		from := wo.CurrentStage
		if wo, err = e.setWorkOrderStage(ctx, tx, wo, next); err != nil {
			return wo, "", err
		}
		return wo, next, e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeStageAdvanced,
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      actor,
			Payload:    activity.Payload{"code": wo.Code, "from": from, "to": next},
		})
	}
	if wo, err = e.setWorkOrderState(ctx, tx, wo, domain.WorkOrderReview, workOrderChange{}); err != nil {
		return wo, "", err
	}
	return wo, string(domain.WorkOrderReview), e.appendActivity(ctx, tx, activity.Entry{
		Type:       activity.TypeWorkOrderReview,
		EntityKind: activity.EntityWorkOrder,
		EntityID:   wo.ID,
		Actor:      actor,
		Payload:    activity.Payload{"code": wo.Code},
	})
}

// releaseAgents returns agents with no remaining in-progress work to idle.
func (e Engine) releaseAgents(ctx context.Context, tx repo.DBTX, agentIDs []string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	load, err := e.Repo.ActiveLoadByAgent(ctx, tx)
	if err != nil {
		return err
	}
	now := e.stamp()
	for _, id := range agentIDs {
		if load[id] > 0 {
			continue
		}
		agent, err := e.Repo.GetAgent(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return err
		}
		if agent.Status == domain.AgentActive {
			if err := e.Repo.UpdateAgentStatus(ctx, tx, id, domain.AgentIdle, now); err != nil {
				return err
			}
		}
		if err := e.Repo.SetAgentWorkOrder(ctx, tx, id, "", now); err != nil {
			return err
		}
	}
	return nil
}

// assigneesHaveRoom reports whether every previous assignee of a blocked
// operation can take it back without going over its WIP limit. Escalation
// released them, so dispatch may have handed them other work in between.
func (e Engine) assigneesHaveRoom(ctx context.Context, tx repo.DBTX, agentIDs []string) (bool, error) {
	if len(agentIDs) == 0 {
		return false, nil
	}
	load, err := e.Repo.ActiveLoadByAgent(ctx, tx)
	if err != nil {
		return false, err
	}
	for _, id := range agentIDs {
		agent, err := e.Repo.GetAgent(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if agent.Status == domain.AgentError || agent.Status == domain.AgentBlocked {
			return false, nil
		}
		if load[id] >= agent.Capacity() {
			return false, nil
		}
	}
	return true, nil
}

// reclaimAgents marks agents that picked an operation back up as active on its work order.
func (e Engine) reclaimAgents(ctx context.Context, tx repo.DBTX, agentIDs []string, workOrderID string) error {
	now := e.stamp()
	for _, id := range agentIDs {
		if err := e.Repo.UpdateAgentStatus(ctx, tx, id, domain.AgentActive, now); err != nil {
			return err
		}
		if err := e.Repo.SetAgentWorkOrder(ctx, tx, id, workOrderID, now); err != nil {
			return err
		}
	}
	return nil
}

// OperationPatch is a generic edit. Status is accepted only to be rejected.
type OperationPatch struct {
	Title         *string
	Notes         *string
	BlockedReason *string
	Status        *string
}

// PatchOperation applies plain field edits without any status side effect.
func (e Engine) PatchOperation(ctx context.Context, id string, patch OperationPatch, actor domain.Actor) (domain.Operation, error) {
	if patch.Status != nil {
		return domain.Operation{}, apperr.New(apperr.CodeManagerControlledOperationStatus,
			"operation status is controlled by the workflow engine; report completion instead").
			WithDetails(map[string]any{"requested_status": *patch.Status})
	}
	if err := e.Governor.Require(ctx, governor.OperationEdit, governor.Input{}); err != nil {
		return domain.Operation{}, err
	}
	var op domain.Operation
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		op, err = e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		if patch.BlockedReason != nil && op.IsSecurityVeto() && *patch.BlockedReason != domain.BlockReasonSecurityVeto {
			return apperr.New(apperr.CodeForbidden, "a security veto can only be lifted by the explicit unblock action")
		}
		fields := repo.OperationFields{Title: patch.Title, Notes: patch.Notes, BlockedReason: patch.BlockedReason}
		if fields.Empty() {
			return nil
		}
		if err := e.Repo.UpdateOperationFields(ctx, tx, op.ID, fields, e.stamp()); err != nil {
			return err
		}
		if op, err = e.Repo.GetOperation(ctx, tx, op.ID); err != nil {
			return err
		}
		payload := activity.Payload{}
		if patch.Title != nil {
			payload["title"] = *patch.Title
		}
		if patch.Notes != nil {
			payload["notes"] = *patch.Notes
		}
		if patch.BlockedReason != nil {
			payload["blocked_reason"] = *patch.BlockedReason
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeOperationUpdated,
			ActionKind: string(governor.OperationEdit),
			EntityKind: activity.EntityOperation,
			EntityID:   op.ID,
			Actor:      actor,
			Payload:    payload,
		})
	})
	return op, err
}

// CompleteReview settles an operation in review: accepted moves it to done
// (advancing the stage), otherwise it goes to rework.
func (e Engine) CompleteReview(ctx context.Context, id string, accepted bool, actor domain.Actor) (Outcome, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderReview, governor.Input{}); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		op, err := e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, tx, op.WorkOrderID)
		if err != nil {
			return err
		}
		if op.Status != domain.OperationReview {
			return apperr.New(apperr.CodeInvalidTransition, "operation %s is %s, not in review", op.Key, op.Status)
		}
		to := domain.OperationRework
		ch := operationChange{}
		if accepted {
			to = domain.OperationDone
			ch.CompletedAt = ptr(e.stamp())
		}
		if op, err = e.setOperationStatus(ctx, tx, op, to, ch); err != nil {
			return err
		}
		out = Outcome{Applied: true, Operation: op, WorkOrder: wo}
		if err := e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeOperationCompleted,
			ActionKind: string(governor.WorkOrderReview),
			EntityKind: activity.EntityOperation,
			EntityID:   op.ID,
			Actor:      actor,
			Payload:    activity.Payload{"status": op.Status, "accepted": accepted},
		}); err != nil {
			return err
		}
		if accepted && wo.State == domain.WorkOrderActive {
			wo, advanced, err := e.advanceStage(ctx, tx, wo, actor)
			if err != nil {
				return err
			}
			out.WorkOrder, out.Advanced = wo, advanced
		}
		return nil
	})
	return out, err
}

// ResumeOperation moves a blocked operation back into the flow after an
// approved escalation and reactivates its work order once nothing else blocks
// it. Operations under a security veto are refused. Resuming an operation that
// is not blocked is a no-op.
func (e Engine) ResumeOperation(ctx context.Context, id string, actor domain.Actor) (Outcome, error) {
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		op, err := e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		if op.IsSecurityVeto() {
			return apperr.New(apperr.CodePolicyDenied, "operation %s holds a security veto; use the explicit unblock action", op.Key)
		}
		return e.unblock(ctx, tx, op, activity.TypeOperationResumed, "", actor, &out)
	})
	return out, err
}

// UnblockOptions carry the operator confirmation for lifting a security veto.
type UnblockOptions struct {
	TypedConfirmText *string
	Actor            domain.Actor
}

// UnblockOperation lifts a block explicitly. Lifting a security veto is
// governed and needs an approved security review for the operation.
func (e Engine) UnblockOperation(ctx context.Context, id string, opts UnblockOptions) (Outcome, error) {
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		op, err := e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		if op.Status != domain.OperationBlocked {
			return apperr.New(apperr.CodeInvalidTransition, "operation %s is %s, not blocked", op.Key, op.Status)
		}
		kind := ""
		if op.IsSecurityVeto() {
			review, err := e.latestApproval(ctx, tx, op.WorkOrderID, op.ID, domain.ApprovalSecurityReview)
			if err != nil {
				return err
			}
			if err := e.Governor.Require(ctx, governor.OperationUnblockSecurityVeto, governor.Input{
				TypedConfirmText: opts.TypedConfirmText,
				Approval:         review,
			}); err != nil {
				return err
			}
			kind = string(governor.OperationUnblockSecurityVeto)
		} else if err := e.Governor.Require(ctx, governor.WorkOrderResume, governor.Input{TypedConfirmText: opts.TypedConfirmText}); err != nil {
			return err
		} else {
			kind = string(governor.WorkOrderResume)
		}
		return e.unblock(ctx, tx, op, activity.TypeOperationUnblocked, kind, opts.Actor, &out)
	})
	return out, err
}

func (e Engine) unblock(ctx context.Context, tx repo.DBTX, op domain.Operation, evt, actionKind string, actor domain.Actor, out *Outcome) error {
	wo, err := e.Repo.GetWorkOrder(ctx, tx, op.WorkOrderID)
	if err != nil {
		return err
	}
	*out = Outcome{Operation: op, WorkOrder: wo}
	if op.Status != domain.OperationBlocked {
		return nil
	}
	if wo.State == domain.WorkOrderCancelled || wo.State == domain.WorkOrderShipped {
		// A late approval on a closed work order resumes nothing.
		if evt == activity.TypeOperationResumed {
			return nil
		}
		return apperr.New(apperr.CodeInvalidTransition, "work order %s is %s", wo.Code, wo.State)
	}
	ch := operationChange{BlockedReason: ptr(""), EscalationReason: ptr("")}
	to := domain.OperationTodo
	keep, err := e.assigneesHaveRoom(ctx, tx, op.AssigneeAgentIDs)
	if err != nil {
		return err
	}
	if keep {
		to = domain.OperationInProgress
	} else {
		ch.Assignees = []string{}
	}
	prev := op.BlockedReason
	if op, err = e.setOperationStatus(ctx, tx, op, to, ch); err != nil {
		return err
	}
	if keep {
		if err := e.reclaimAgents(ctx, tx, op.AssigneeAgentIDs, wo.ID); err != nil {
			return err
		}
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:       evt,
		ActionKind: actionKind,
		EntityKind: activity.EntityOperation,
		EntityID:   op.ID,
		Actor:      actor,
		Payload:    activity.Payload{"status": op.Status, "previous_reason": prev},
	}); err != nil {
		return err
	}
	out.Applied, out.Operation = true, op
	if wo.State != domain.WorkOrderBlocked {
		return nil
	}
	blocked, err := e.Repo.ListOperations(ctx, tx, repo.OperationFilters{WorkOrderID: wo.ID, Status: domain.OperationBlocked})
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		return nil
	}
	if wo, err = e.resumeWorkOrder(ctx, tx, wo, actor); err != nil {
		return err
	}
	out.WorkOrder = wo
	return nil
}
