package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/app"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/workflow"
)

// output wraps a response body.
type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

func fail(ctx context.Context, a *app.App, err error) error {
	return handleError(ctx, a.Logger, err)
}

var (
	readErrors  = []int{http.StatusUnauthorized, http.StatusNotFound}
	writeErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusPreconditionRequired}
	gatedErrors = append(append([]int{}, writeErrors...), http.StatusServiceUnavailable)
	graphErrors = []int{http.StatusGone}
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Runtime availability and work order counts",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[StatusResponse], error) {
		counts, err := a.Repo.CountWorkOrdersByState(ctx)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(StatusResponse{Runtime: a.Monitor.Status(ctx), WorkOrderCounts: counts}), nil
	})
}

func registerGovernor(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List action policies",
	}, func(ctx context.Context, _ *struct{}) (*output[policiesResponse], error) {
		return reply(policiesResponse{Items: governor.Policies()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{kind}",
		Summary:     "Get one action policy",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		Kind string `path:"kind"`
	}) (*output[governor.ActionPolicy], error) {
		p, ok := governor.Lookup(governor.ActionKind(in.Kind))
		if !ok {
			return nil, newAPIError(http.StatusNotFound, string(apperr.CodeNotFound), "unknown action kind", map[string]any{"action_kind": in.Kind})
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enforce",
		Method:      http.MethodPost,
		Path:        "/governor/enforce",
		Summary:     "Check an action against its policy without performing it",
		Description: "Always 200; a deny is reported in the body with the status the action would fail with.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body EnforceRequest
	}) (*output[governor.Result], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		kind := governor.ActionKind(in.Body.ActionKind)
		if _, ok := governor.Lookup(kind); !ok {
			return nil, newAPIError(http.StatusBadRequest, string(apperr.CodeBadRequest), "unknown action kind", map[string]any{"action_kind": in.Body.ActionKind})
		}
		input := governor.Input{
			TypedConfirmText:    in.Body.TypedConfirmText,
			ExpectedConfirmText: in.Body.ExpectedConfirmText,
			Phase:               governor.Phase(in.Body.Phase),
		}
		if in.Body.ApprovalID != "" {
			ap, err := a.Approvals.Get(ctx, in.Body.ApprovalID)
			if err != nil {
				return nil, fail(ctx, a, err)
			}
			input.Approval = &ap
		}
		return reply(a.Governor.Check(ctx, kind, input)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transitions",
		Method:      http.MethodGet,
		Path:        "/transitions/{entity}/{state}",
		Summary:     "Legal next states for a work order state or operation status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, in *struct {
		Entity string `path:"entity" enum:"work_order,operation"`
		State  string `path:"state"`
	}) (*output[TransitionsResponse], error) {
		next, err := workflow.GetValidTransitions(in.Entity, in.State)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(TransitionsResponse{Entity: in.Entity, State: in.State, Next: next}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.Actor.ID, ActorType: string(p.Actor.Type), Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, in *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actorID := strings.TrimSpace(in.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, string(apperr.CodeBadRequest), "actor_id is required", nil)
		}
		t, err := parseActorType(in.Body.ActorType)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(apperr.CodeBadRequest), err.Error(), nil)
		}
		token, err := signDevToken(cfg.JWTSecret, actorID, t, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func workOrderStates(raw string) []domain.WorkOrderState {
	var out []domain.WorkOrderState
	for _, s := range splitList(raw) {
		out = append(out, domain.WorkOrderState(s))
	}
	return out
}
