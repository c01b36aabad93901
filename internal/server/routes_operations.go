package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/app"
	"clawcontrol/internal/dispatch"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/workflow"
)

type operationID struct {
	ID string `path:"id"`
}

func registerOperations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		WorkOrderID string `query:"work_order_id"`
		Status      string `query:"status" enum:"todo,in_progress,blocked,review,done,rework"`
		AgentID     string `query:"agent_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*output[[]domain.Operation], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.Repo.ListOperations(ctx, nil, repo.OperationFilters{
			WorkOrderID: in.WorkOrderID,
			Status:      domain.OperationStatus(in.Status),
			AgentID:     in.AgentID,
			Limit:       normalizeLimit(in.Limit),
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.Operation{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get an operation",
		Errors:      readErrors,
	}, func(ctx context.Context, in *operationID) (*output[domain.Operation], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		op, err := a.Repo.GetOperation(ctx, nil, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(op), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-operation",
		Method:      http.MethodPatch,
		Path:        "/operations/{id}",
		Summary:     "Edit operation fields",
		Description: "Status is owned by the workflow engine; a request carrying status fails with MANAGER_CONTROLLED_OPERATION_STATUS.",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		operationID
		Body UpdateOperationRequest
	}) (*output[domain.Operation], error) {
		actor, err := authorize(ctx, a.Access, governor.OperationEdit)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		op, err := a.Engine.PatchOperation(ctx, in.ID, workflow.OperationPatch{
			Title:         in.Body.Title,
			Notes:         in.Body.Notes,
			BlockedReason: in.Body.BlockedReason,
			Status:        in.Body.Status,
		}, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(op), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/complete",
		Summary:     "Report a completion signal",
		Description: "Duplicate and stale signals return 200 with noop set and a COMPLETION_* code.",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		operationID
		Body CompleteOperationRequest
	}) (*output[workflow.Outcome], error) {
		actor, err := authorize(ctx, a.Access, governor.OperationComplete)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		out, err := a.Engine.AdvanceOnCompletion(ctx, in.ID, workflow.Signal{
			Status:      domain.OperationStatus(in.Body.Status),
			Output:      in.Body.Output,
			BlockReason: in.Body.BlockReason,
			Question:    in.Body.QuestionMD,
		}, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/review",
		Summary:     "Accept an operation in review or send it to rework",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		operationID
		Body ReviewOperationRequest
	}) (*output[workflow.Outcome], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderReview)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		out, err := a.Engine.CompleteReview(ctx, in.ID, in.Body.Accepted, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/unblock",
		Summary:     "Lift a block (CONFIRM; security vetoes also need an approved security review)",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		operationID
		Body *ConfirmRequest
	}) (*output[workflow.Outcome], error) {
		actor, err := authorize(ctx, a.Access, governor.WorkOrderResume)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		out, err := a.Engine.UnblockOperation(ctx, in.ID, workflow.UnblockOptions{TypedConfirmText: in.Body.typed(), Actor: actor})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/assign",
		Summary:     "Assign a ready operation to an agent",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		operationID
		Body AssignOperationRequest
	}) (*output[workflow.Assignment], error) {
		actor, err := authorize(ctx, a.Access, governor.DispatchRun)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		res, err := a.Dispatch.Assign(ctx, workflow.AssignOptions{OperationID: in.ID, AgentID: in.Body.AgentID, Actor: actor})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(res), nil
	})
}

func registerDispatch(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "run-dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch/run",
		Summary:     "Run one dispatch pass now",
		Description: "Fails with DISPATCH_ALREADY_RUNNING when another pass holds the lock.",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		Body *DispatchRequest
	}) (*output[dispatch.PassResult], error) {
		actor, err := authorize(ctx, a.Access, governor.DispatchRun)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		opts := dispatch.Options{Actor: actor}
		if in.Body != nil {
			opts.Limit, opts.DryRun = in.Body.Limit, in.Body.DryRun
		}
		res, err := a.Dispatch.RunPass(ctx, opts)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(res), nil
	})
}
