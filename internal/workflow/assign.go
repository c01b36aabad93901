package workflow

import (
	"context"
	"database/sql"
	"fmt"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

// SessionKey is the deterministic runtime session key for one assignment.
func SessionKey(agentID, workOrderID, operationID string) string {
	return fmt.Sprintf("agent:%s:wo:%s:op:%s", agentID, workOrderID, operationID)
}

type AssignOptions struct {
	OperationID string
	AgentID     string
	Actor       domain.Actor
}

type Assignment struct {
	Operation     domain.Operation `json:"operation"`
	WorkOrder     domain.WorkOrder `json:"work_order"`
	Agent         domain.Agent     `json:"agent"`
	Session       domain.Session   `json:"session"`
	SessionReused bool             `json:"session_reused"`
}

// Assign hands a ready operation to an agent. Readiness, capability and WIP
// are re-checked inside the transaction so a pass working from a stale
// snapshot cannot over-assign.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (Assignment, error) {
	var out Assignment
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		op, err := e.Repo.GetOperation(ctx, tx, opts.OperationID)
		if err != nil {
			return notFound(err, "operation", opts.OperationID)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, tx, op.WorkOrderID)
		if err != nil {
			return err
		}
		agent, err := e.Repo.GetAgent(ctx, tx, opts.AgentID)
		if err != nil {
			return notFound(err, "agent", opts.AgentID)
		}
		if err := e.checkAssignable(ctx, tx, wo, op, agent); err != nil {
			return err
		}
		if wo.State == domain.WorkOrderPlanned {
			if wo, err = e.startWorkOrder(ctx, tx, wo, opts.Actor); err != nil {
				return err
			}
		}
		if op, err = e.setOperationStatus(ctx, tx, op, domain.OperationInProgress, operationChange{
			Assignees: []string{agent.ID},
		}); err != nil {
			return err
		}
		now := e.stamp()
		if agent.Status != domain.AgentActive {
			if err := e.Repo.UpdateAgentStatus(ctx, tx, agent.ID, domain.AgentActive, now); err != nil {
				return err
			}
			agent.Status = domain.AgentActive
		}
		if err := e.Repo.SetAgentWorkOrder(ctx, tx, agent.ID, wo.ID, now); err != nil {
			return err
		}
		agent.CurrentWorkOrderID = wo.ID
		session, reused, err := e.Repo.OpenSession(ctx, tx, domain.Session{
			Key:         SessionKey(agent.ID, wo.ID, op.ID),
			AgentID:     agent.ID,
			WorkOrderID: wo.ID,
			OperationID: op.ID,
			CreatedAt:   now,
			LastUsedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		out = Assignment{Operation: op, WorkOrder: wo, Agent: agent, Session: session, SessionReused: reused}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeOperationAssigned,
			ActionKind: string(governor.DispatchRun),
			EntityKind: activity.EntityOperation,
			EntityID:   op.ID,
			Actor:      opts.Actor,
			Payload: activity.Payload{
				"agent_id":      agent.ID,
				"work_order_id": wo.ID,
				"session_key":   session.Key,
				"reused":        reused,
			},
		})
	})
	return out, err
}

func (e Engine) checkAssignable(ctx context.Context, tx repo.DBTX, wo domain.WorkOrder, op domain.Operation, agent domain.Agent) error {
	if wo.State != domain.WorkOrderPlanned && wo.State != domain.WorkOrderActive {
		return apperr.New(apperr.CodeInvalidTransition, "work order %s is %s", wo.Code, wo.State)
	}
	if op.Status != domain.OperationTodo && op.Status != domain.OperationRework {
		return apperr.New(apperr.CodeInvalidTransition, "operation %s is %s", op.Key, op.Status)
	}
	if wo.CurrentStage != "" && op.Stage != wo.CurrentStage {
		return apperr.New(apperr.CodeInvalidTransition, "operation %s belongs to stage %s, work order is at %s", op.Key, op.Stage, wo.CurrentStage)
	}
	for _, dep := range op.DependsOnOperationIDs {
		d, err := e.Repo.GetOperation(ctx, tx, dep)
		if err != nil {
			return err
		}
		if d.Status != domain.OperationDone {
			return apperr.New(apperr.CodeInvalidTransition, "operation %s waits on %s", op.Key, d.Key)
		}
	}
	if agent.Status == domain.AgentError || agent.Status == domain.AgentBlocked {
		return apperr.New(apperr.CodeInvalidTransition, "agent %s is %s", agent.Name, agent.Status)
	}
	if !agent.HasCapability(op.Station) {
		return apperr.New(apperr.CodeInvalidTransition, "agent %s cannot work station %s", agent.Name, op.Station)
	}
	load, err := e.Repo.ActiveLoadByAgent(ctx, tx)
	if err != nil {
		return err
	}
	if load[agent.ID] >= agent.Capacity() {
		return apperr.New(apperr.CodeInvalidTransition, "agent %s is at its WIP limit of %d", agent.Name, agent.Capacity())
	}
	return nil
}
