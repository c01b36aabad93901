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
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
)

// CreateWorkOrderOptions are parameters for intake.
type CreateWorkOrderOptions struct {
	Title      string
	Goal       string
	Notes      string
	Priority   int
	WorkflowID string
	Actor      domain.Actor
}

// CreateWorkOrder allocates the next WO-NNNN code and expands the workflow
// definition into operations with their dependency edges.
func (e Engine) CreateWorkOrder(ctx context.Context, opts CreateWorkOrderOptions) (domain.WorkOrder, []domain.Operation, error) {
	if err := e.Governor.Require(ctx, governor.WorkOrderCreate, governor.Input{}); err != nil {
		return domain.WorkOrder{}, nil, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkOrder{}, nil, apperr.New(apperr.CodeBadRequest, "title is required")
	}
	if e.Config == nil {
		return domain.WorkOrder{}, nil, errors.New("config not loaded")
	}
	wf, ok := e.Config.Workflows[opts.WorkflowID]
	if !ok {
		return domain.WorkOrder{}, nil, apperr.New(apperr.CodeBadRequest, "unknown workflow %q", opts.WorkflowID)
	}

	var (
		wo  domain.WorkOrder
		ops []domain.Operation
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := e.Repo.NextWorkOrderSeq(ctx, tx)
		if err != nil {
			return err
		}
		now := e.stamp()
		wo = domain.WorkOrder{
			ID:           uuid.NewString(),
			Code:         fmt.Sprintf("WO-%04d", seq),
			Title:        strings.TrimSpace(opts.Title),
			Goal:         opts.Goal,
			Notes:        opts.Notes,
			Priority:     opts.Priority,
			State:        domain.WorkOrderPlanned,
			WorkflowID:   opts.WorkflowID,
			CurrentStage: wf.Stages[0].Name,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertWorkOrder(ctx, tx, seq, wo); err != nil {
			return fmt.Errorf("insert work order: %w", err)
		}
		ops = expandWorkflow(wo, wf, now)
		for _, op := range ops {
			if err := e.Repo.InsertOperation(ctx, tx, op); err != nil {
				return fmt.Errorf("insert operation %s: %w", op.Key, err)
			}
		}
		return e.appendActivity(ctx, tx, activity.Entry{
			Type:       activity.TypeWorkOrderCreated,
			ActionKind: string(governor.WorkOrderCreate),
			EntityKind: activity.EntityWorkOrder,
			EntityID:   wo.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"code": wo.Code, "workflow_id": wo.WorkflowID, "operations": len(ops)},
		})
	})
	if err != nil {
		return domain.WorkOrder{}, nil, err
	}
	e.log().InfoContext(ctx, "work order created", "code", wo.Code, "workflow", wo.WorkflowID, "operations", len(ops))
	return wo, ops, nil
}

func expandWorkflow(wo domain.WorkOrder, wf config.Workflow, now string) []domain.Operation {
	idsByKey := map[string]string{}
	var ops []domain.Operation
	for i, stage := range wf.Stages {
		for _, def := range stage.Operations {
			id := uuid.NewString()
			idsByKey[def.Key] = id
			deps := make([]string, 0, len(def.DependsOn))
			for _, d := range def.DependsOn {
				deps = append(deps, idsByKey[d])
			}
			title := def.Title
			if title == "" {
				title = def.Key
			}
			ops = append(ops, domain.Operation{
				ID:                    id,
				WorkOrderID:           wo.ID,
				Stage:                 stage.Name,
				StageIndex:            i,
				Key:                   def.Key,
				Title:                 title,
				Station:               def.Station,
				Status:                domain.OperationTodo,
				AssigneeAgentIDs:      []string{},
				DependsOnOperationIDs: deps,
				CreatedAt:             now,
				UpdatedAt:             now,
			})
		}
	}
	return ops
}

// CreateOperationGraph is permanently disabled: the graph belongs to intake.
func (e Engine) CreateOperationGraph(context.Context) error {
	return apperr.New(apperr.CodeManagerControlledOperationGraph, "operations are created by the workflow engine from the work order's workflow")
}
