package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/app"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/workflow"
)

type workOrderRef struct {
	Ref string `path:"ref" doc:"Work order id or code (WO-0001)"`
}

func registerWorkOrders(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create a work order and expand its workflow into operations",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateWorkOrderRequest
	}) (*output[WorkOrderDetail], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderCreate)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		wo, ops, err := a.Engine.CreateWorkOrder(ctx, workflow.CreateWorkOrderOptions{
			Title:      in.Body.Title,
			Goal:       in.Body.Goal,
			Notes:      in.Body.notes(),
			Priority:   in.Body.Priority,
			WorkflowID: in.Body.WorkflowID,
			Actor:      actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(WorkOrderDetail{WorkOrder: wo, Operations: ops}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		State      string `query:"state" doc:"Comma-separated states"`
		WorkflowID string `query:"workflow_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]domain.WorkOrder], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.Repo.ListWorkOrders(ctx, nil, repo.WorkOrderFilters{
			States:     workOrderStates(in.State),
			WorkflowID: in.WorkflowID,
			Limit:      normalizeLimit(in.Limit),
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.WorkOrder{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{ref}",
		Summary:     "Get a work order with its operations",
		Errors:      readErrors,
	}, func(ctx context.Context, in *workOrderRef) (*output[WorkOrderDetail], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		wo, ops, err := a.Engine.GetWorkOrder(ctx, in.Ref)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(WorkOrderDetail{WorkOrder: wo, Operations: ops}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-order",
		Method:      http.MethodPatch,
		Path:        "/work-orders/{ref}",
		Summary:     "Edit work order fields",
		Description: "State is owned by the workflow engine; a request carrying state fails with MANAGER_CONTROLLED_STATE.",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		workOrderRef
		Body UpdateWorkOrderRequest
	}) (*output[domain.WorkOrder], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderEdit)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		wo, err := a.Engine.PatchWorkOrder(ctx, in.Ref, workflow.WorkOrderPatch{
			Title:    in.Body.Title,
			Goal:     in.Body.Goal,
			Notes:    in.Body.notes(),
			Priority: in.Body.Priority,
			State:    in.Body.State,
		}, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{ref}/block",
		Summary:     "Put an operator hold on a work order",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		workOrderRef
		Body BlockWorkOrderRequest
	}) (*output[domain.WorkOrder], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderEdit)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		wo, err := a.Engine.BlockWorkOrder(ctx, in.Ref, in.Body.Reason, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(wo), nil
	})

	confirmed := []struct {
		id, path, summary string
		kind              governor.ActionKind
		run               func(ctx context.Context, ref string, opts workflow.ResumeOptions) (domain.WorkOrder, error)
	}{
		{"resume-work-order", "/work-orders/{ref}/resume", "Resume a blocked work order (CONFIRM)", governor.WorkOrderResume, a.Engine.ResumeWorkOrder},
		{"cancel-work-order", "/work-orders/{ref}/cancel", "Cancel a work order (type its code)", governor.WorkOrderCancel, a.Engine.CancelWorkOrder},
		{"ship-work-order", "/work-orders/{ref}/ship", "Ship a done work order (CONFIRM and approved ship gate)", governor.WorkOrderShip, a.Engine.ShipWorkOrder},
	}
	for _, c := range confirmed {
		huma.Register(api, huma.Operation{
			OperationID: c.id,
			Method:      http.MethodPost,
			Path:        c.path,
			Summary:     c.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, in *struct {
			workOrderRef
			Body *ConfirmRequest
		}) (*output[domain.WorkOrder], error) {
			actor, err := authorize(ctx, a.Access, c.kind)
			if err != nil {
				return nil, fail(ctx, a, err)
			}
			wo, err := c.run(ctx, in.Ref, workflow.ResumeOptions{TypedConfirmText: in.Body.typed(), Actor: actor})
			if err != nil {
				return nil, fail(ctx, a, err)
			}
			return reply(wo), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "accept-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{ref}/accept",
		Summary:     "Accept a work order in review and open its ship gate",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *workOrderRef) (*output[AcceptReviewResponse], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderReview)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		wo, gate, err := a.Engine.AcceptReview(ctx, in.Ref, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(AcceptReviewResponse{WorkOrder: wo, ShipGate: gate}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rework-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{ref}/rework",
		Summary:     "Return a work order in review for rework",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		workOrderRef
		Body *ReworkRequest
	}) (*output[ReworkResponse], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderReview)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		wo, op, err := a.Engine.ReturnForRework(ctx, in.Ref, in.Body.notes(), actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ReworkResponse{WorkOrder: wo, Operation: op}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-operation",
		Method:      http.MethodPost,
		Path:        "/work-orders/{ref}/operations",
		Summary:     "Disabled: operations come from the workflow",
		Errors:      graphErrors,
	}, func(ctx context.Context, in *workOrderRef) (*output[domain.Operation], error) {
		return nil, fail(ctx, a, a.Engine.CreateOperationGraph(ctx))
	})
}
