package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/app"
	"clawcontrol/internal/approval"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

func registerApprovals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Request an operator decision",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateApprovalRequest
	}) (*output[domain.Approval], error) {
		actor, err := authorize(ctx, a.Access, governor.ApprovalCreate)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		ap, err := a.Approvals.Create(ctx, approval.CreateOptions{
			WorkOrderID: in.Body.WorkOrderID,
			OperationID: in.Body.OperationID,
			Type:        domain.ApprovalType(in.Body.Type),
			QuestionMD:  in.Body.QuestionMD,
			Actor:       actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		WorkOrderID string `query:"work_order_id"`
		OperationID string `query:"operation_id"`
		Type        string `query:"type"`
		Status      string `query:"status"`
		Limit       int    `query:"limit" default:"50"`
	}) (*output[[]domain.Approval], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.Approvals.List(ctx, repo.ApprovalFilters{
			WorkOrderID: in.WorkOrderID,
			OperationID: in.OperationID,
			Type:        domain.ApprovalType(in.Type),
			Status:      domain.ApprovalStatus(in.Status),
			Limit:       normalizeLimit(in.Limit),
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.Approval{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*output[domain.Approval], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ap, err := a.Approvals.Get(ctx, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Approve or reject a pending approval",
		Description: "Approving resumes the blocked operation, except for a security veto, which stays blocked until it is explicitly unblocked.",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body DecideApprovalRequest
	}) (*output[approval.Decision], error) {
		kind := governor.ApprovalApprove
		if domain.ApprovalStatus(in.Body.Status) == domain.ApprovalRejected {
			kind = governor.ApprovalReject
		}
		actor, err := authorize(ctx, a.Access, kind)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		d, err := a.Approvals.Decide(ctx, in.ID, domain.ApprovalStatus(in.Body.Status), actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(d), nil
	})
}
