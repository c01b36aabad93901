package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/agents"
	"clawcontrol/internal/app"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

type agentID struct {
	ID string `path:"id"`
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateAgentRequest
	}) (*output[domain.Agent], error) {
		actor, err := authorize(ctx, a.Access, governor.AgentCreate)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		ag, err := a.Agents.Register(ctx, agents.RegisterOptions{
			ID:           in.Body.ID,
			Name:         in.Body.Name,
			WIPLimit:     in.Body.WIPLimit,
			Capabilities: in.Body.Capabilities,
			Actor:        actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		Status string `query:"status" doc:"Comma-separated statuses"`
	}) (*output[[]domain.Agent], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var statuses []domain.AgentStatus
		for _, s := range splitList(in.Status) {
			statuses = append(statuses, domain.AgentStatus(s))
		}
		items, err := a.Agents.List(ctx, statuses...)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get an agent",
		Errors:      readErrors,
	}, func(ctx context.Context, in *agentID) (*output[domain.Agent], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ag, err := a.Agents.Get(ctx, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{id}",
		Summary:     "Edit an agent",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		agentID
		Body UpdateAgentRequest
	}) (*output[domain.Agent], error) {
		actor, err := authorize(ctx, a.Access, governor.AgentEdit)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		ag, err := a.Agents.Update(ctx, in.ID, repo.AgentFields{
			Name:         in.Body.Name,
			WIPLimit:     in.Body.WIPLimit,
			Capabilities: in.Body.Capabilities,
		}, actor)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/restart",
		Summary:     "Restart an agent in the runtime (CONFIRM)",
		Errors:      gatedErrors,
	}, func(ctx context.Context, in *struct {
		agentID
		Body *ConfirmRequest
	}) (*output[AgentActionResponse], error) {
		actor, err := authorize(ctx, a.Access, governor.AgentRestart)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		ag, rc, err := a.Agents.Restart(ctx, in.ID, agents.RestartOptions{TypedConfirmText: in.Body.typed(), Actor: actor})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(AgentActionResponse{Agent: ag, Receipt: rc}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-turn",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/turns",
		Summary:     "Send a message and stream the reply",
		Description: "Server-sent events: chunk for each piece of text, done with the finalized receipt, error on failure. Abort with POST /receipts/{id}/abort.",
		Errors:      gatedErrors,
		Responses:   turnResponses(api),
	}, func(ctx context.Context, in *struct {
		agentID
		Body TurnRequest
	}) (*huma.StreamResponse, error) {
		actor, err := authorize(ctx, a.Access, governor.AgentTurn)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if _, err := a.Agents.Get(ctx, in.ID); err != nil {
			return nil, fail(ctx, a, err)
		}
		opts := agents.TurnOptions{AgentID: in.ID, Message: in.Body.Message, Actor: actor}
		return &huma.StreamResponse{Body: func(hctx huma.Context) {
			ctx := hctx.Context()
			hctx.SetHeader("Content-Type", "text/event-stream")
			hctx.SetHeader("Cache-Control", "no-cache")
			ev := newEventWriter(hctx.BodyWriter())
			var receiptID string
			opts.Started = func(id string) { receiptID = id }
			rc, err := a.Agents.Turn(ctx, opts, func(text string) error {
				return ev.send("chunk", TurnChunk{ReceiptID: receiptID, Text: text})
			})
			if err != nil && rc.ID == "" {
				body := apiErrorBody{Code: "INTERNAL_ERROR", Message: err.Error()}
				if ae, ok := handleError(ctx, a.Logger, err).(*apiError); ok {
					body = ae.Body
				}
				_ = ev.send("error", body)
				return
			}
			_ = ev.send("done", TurnDone{Receipt: rc})
		}}, nil
	})
}

func turnResponses(api huma.API) map[string]*huma.Response {
	reg := api.OpenAPI().Components.Schemas
	return map[string]*huma.Response{
		"200": {
			Description: "Event stream",
			Content: map[string]*huma.MediaType{
				"text/event-stream": {Schema: &huma.Schema{
					OneOf: []*huma.Schema{
						reg.Schema(reflect.TypeOf(TurnChunk{}), true, "chunk"),
						reg.Schema(reflect.TypeOf(TurnDone{}), true, "done"),
						reg.Schema(reflect.TypeOf(apiErrorBody{}), true, "error"),
					},
				}},
			},
		},
	}
}

// eventWriter frames server-sent events and flushes after each one.
type eventWriter struct {
	w     io.Writer
	flush func() error
}

func newEventWriter(w io.Writer) eventWriter {
	ev := eventWriter{w: w, flush: func() error { return nil }}
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		ev.flush = rc.Flush
	}
	return ev
}

func (e eventWriter) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	if err := e.flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func registerReceipts(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-receipts",
		Method:      http.MethodGet,
		Path:        "/receipts",
		Summary:     "List receipts, newest first",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		ActionKind string `query:"action_kind"`
		TargetKind string `query:"target_kind"`
		TargetID   string `query:"target_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]domain.Receipt], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.Receipts.List(ctx, repo.ReceiptFilters{
			ActionKind: in.ActionKind,
			TargetKind: in.TargetKind,
			TargetID:   in.TargetID,
			Status:     domain.ReceiptStatus(in.Status),
			Limit:      normalizeLimit(in.Limit),
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.Receipt{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt",
		Method:      http.MethodGet,
		Path:        "/receipts/{id}",
		Summary:     "Get a receipt",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*output[domain.Receipt], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rc, err := a.Receipts.Get(ctx, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(rc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-receipt",
		Method:      http.MethodPost,
		Path:        "/receipts/{id}/abort",
		Summary:     "Abort a running turn and finalize its receipt",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*output[domain.Receipt], error) {
		if _, err := authorize(ctx, a.Access, governor.AgentTurn); err != nil {
			return nil, fail(ctx, a, err)
		}
		rc, err := a.Agents.Abort(ctx, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(rc), nil
	})
}
