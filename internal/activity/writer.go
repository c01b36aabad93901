// Package activity appends audit entries in the same transaction as the change they record.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clawcontrol/internal/domain"
	"clawcontrol/internal/repo"
)

// Activity types recorded by the core.
const (
	TypeWorkOrderCreated     = "work_order.created"
	TypeWorkOrderUpdated     = "work_order.updated"
	TypeWorkOrderStarted     = "work_order.started"
	TypeWorkOrderBlocked     = "work_order.blocked"
	TypeWorkOrderResumed     = "work_order.resumed"
	TypeWorkOrderReview      = "work_order.review"
	TypeWorkOrderDone        = "work_order.done"
	TypeWorkOrderReworked    = "work_order.reworked"
	TypeWorkOrderShipped     = "work_order.shipped"
	TypeWorkOrderCancelled   = "work_order.cancelled"
	TypeOperationAssigned    = "operation.assigned"
	TypeOperationCompleted   = "operation.completed"
	TypeOperationUpdated     = "operation.updated"
	TypeOperationEscalated   = "operation.escalated"
	TypeOperationResumed     = "operation.resumed"
	TypeOperationUnblocked   = "operation.unblocked"
	TypeCompletionIgnored    = "operation.completion_ignored"
	TypeStageAdvanced        = "work_order.stage_advanced"
	TypeApprovalCreated      = "approval.created"
	TypeApprovalDecided      = "approval.decided"
	TypeApprovalSuppressed   = "approval.resume_suppressed"
	TypeAgentRegistered      = "agent.registered"
	TypeAgentRestarted       = "agent.restarted"
	TypeAgentUpdated         = "agent.updated"
	TypeAgentTurn            = "agent.turn"
	TypePackageRegistered    = "package.registered"
	TypePackageDeployed      = "package.deployed"
	TypeSecurityScanOverride = "security.scan_override"
	TypeDispatchPass         = "dispatch.pass"
	TypeAPIKeyCreated        = "apikey.created"
)

// Entity kinds.
const (
	EntityWorkOrder = "work_order"
	EntityOperation = "operation"
	EntityApproval  = "approval"
	EntityAgent     = "agent"
	EntityPackage   = "package"
	EntityDispatch  = "dispatch"
	EntityAPIKey    = "api_key"
)

type Payload map[string]any

// Entry is one audit record.
type Entry struct {
	Type       string
	ActionKind string
	EntityKind string
	EntityID   string
	Actor      domain.Actor
	Payload    Payload
}

type Writer struct {
	Now func() time.Time
}

// Append inserts the entry using tx, which should be the transaction of the change.
func (w Writer) Append(ctx context.Context, tx repo.DBTX, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	actorType := e.Actor.Type
	if actorType == "" {
		actorType = domain.ActorOperator
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activities(ts,type,action_kind,entity_kind,entity_id,actor_id,actor_type,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ActionKind), e.EntityKind, nullable(e.EntityID), e.Actor.ID, string(actorType), string(data))
	if err != nil {
		return fmt.Errorf("append activity %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
