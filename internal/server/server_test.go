package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clawcontrol/internal/app"
	"clawcontrol/internal/config"
	"clawcontrol/internal/dispatch"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/workflow"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatch.Lock = config.LockMemory
	a, err := app.Open(context.Background(), app.Options{
		Memory: true,
		Mock:   true,
		Config: cfg,
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		DevLogin:               true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{URL: srv.URL + "/v0", App: a, client: srv.Client()}
}

var (
	asOperator = map[string]string{"X-Actor-Id": "op-1"}
	asAgent    = map[string]string{"X-Actor-Id": "agent-1", "X-Actor-Type": "agent"}
)

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", res.Request.Method, res.Request.URL.Path, want, res.StatusCode, string(body))
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(body))
	}
	return env.Error.Code
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("unmarshal %T: %v: %s", v, err, string(body))
	}
	return v
}

func (s *testServer) createWorkOrder(t *testing.T, workflowID string) WorkOrderDetail {
	t.Helper()
	res, body := doJSON(t, s.Client(), http.MethodPost, s.URL+"/work-orders", map[string]any{
		"title":       "Fix login",
		"workflow_id": workflowID,
	}, asOperator)
	expectStatus(t, res, body, http.StatusCreated)
	return decode[WorkOrderDetail](t, body)
}

func (s *testServer) createAgent(t *testing.T, id string) {
	t.Helper()
	res, body := doJSON(t, s.Client(), http.MethodPost, s.URL+"/agents", map[string]any{
		"id":           id,
		"name":         id,
		"wip_limit":    2,
		"capabilities": []string{"*"},
	}, asOperator)
	expectStatus(t, res, body, http.StatusCreated)
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/work-orders", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)
	if code := errorCode(t, body); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, body, http.StatusUnauthorized)
}

func TestDevLoginToken(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{
		"actor_id":   "agent-7",
		"actor_type": "agent",
	}, nil)
	expectStatus(t, res, body, http.StatusOK)
	token := decode[DevLoginResponse](t, body).Token

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, body, http.StatusOK)
	me := decode[WhoAmIResponse](t, body)
	if me.ActorID != "agent-7" || me.ActorType != "agent" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestSingleWriterGuards(t *testing.T) {
	srv := newTestServer(t)
	detail := srv.createWorkOrder(t, "bugfix")
	wo := detail.WorkOrder

	res, body := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/work-orders/"+wo.Code, map[string]any{
		"state": "active",
	}, asOperator)
	expectStatus(t, res, body, http.StatusBadRequest)
	if code := errorCode(t, body); code != "MANAGER_CONTROLLED_STATE" {
		t.Fatalf("expected MANAGER_CONTROLLED_STATE, got %s", code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/operations", map[string]any{}, asOperator)
	expectStatus(t, res, body, http.StatusGone)
	if code := errorCode(t, body); code != "MANAGER_CONTROLLED_OPERATION_GRAPH" {
		t.Fatalf("expected MANAGER_CONTROLLED_OPERATION_GRAPH, got %s", code)
	}

	opID := detail.Operations[0].ID
	res, body = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/operations/"+opID, map[string]any{
		"status": "done",
	}, asOperator)
	expectStatus(t, res, body, http.StatusForbidden)
	if code := errorCode(t, body); code != "MANAGER_CONTROLLED_OPERATION_STATUS" {
		t.Fatalf("expected MANAGER_CONTROLLED_OPERATION_STATUS, got %s", code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/work-orders/"+wo.Code, nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if got := decode[WorkOrderDetail](t, body); got.WorkOrder.State != domain.WorkOrderPlanned {
		t.Fatalf("rejected writes must leave state alone, got %s", got.WorkOrder.State)
	}
}

func TestCancelRequiresTypedCode(t *testing.T) {
	srv := newTestServer(t)
	wo := srv.createWorkOrder(t, "bugfix").WorkOrder

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/cancel", nil, asOperator)
	expectStatus(t, res, body, http.StatusPreconditionRequired)
	if code := errorCode(t, body); code != "TYPED_CONFIRM_REQUIRED" {
		t.Fatalf("expected TYPED_CONFIRM_REQUIRED, got %s", code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/cancel", map[string]any{
		"typed_confirm_text": "CONFIRM",
	}, asOperator)
	expectStatus(t, res, body, http.StatusPreconditionRequired)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/cancel", map[string]any{
		"typed_confirm_text": wo.Code,
	}, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if got := decode[domain.WorkOrder](t, body); got.State != domain.WorkOrderCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}

func TestBodylessGovernedActionsReachGovernor(t *testing.T) {
	srv := newTestServer(t)
	wo := srv.createWorkOrder(t, "bugfix").WorkOrder
	srv.createAgent(t, "agent-1")
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/packages", map[string]any{
		"name":               "notes",
		"version":            "0.1.0",
		"typed_confirm_text": "CONFIRM",
	}, asOperator)
	expectStatus(t, res, body, http.StatusCreated)
	pkg := decode[domain.Package](t, body)

	for _, path := range []string{
		"/work-orders/" + wo.Code + "/resume",
		"/work-orders/" + wo.Code + "/ship",
		"/agents/agent-1/restart",
		"/packages/" + pkg.ID + "/deploy",
	} {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+path, nil, asOperator)
		expectStatus(t, res, body, http.StatusPreconditionRequired)
		if code := errorCode(t, body); code != "TYPED_CONFIRM_REQUIRED" {
			t.Fatalf("%s: expected TYPED_CONFIRM_REQUIRED, got %s", path, code)
		}
	}
}

func TestStartIsNotExposed(t *testing.T) {
	srv := newTestServer(t)
	wo := srv.createWorkOrder(t, "bugfix").WorkOrder
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/start", nil, asOperator)
	if res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected no start route, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/work-orders/"+wo.Code, nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if got := decode[WorkOrderDetail](t, body); got.WorkOrder.State != domain.WorkOrderPlanned {
		t.Fatalf("work order should still be planned, got %s", got.WorkOrder.State)
	}
}

func TestOpenAPIDocumentListsDispatchAndGovernorSchemas(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var doc struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, name := range []string{"Result", "PassResult", "Assignment", "PassAssignment"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("schema %s missing from openapi document", name)
		}
	}
}

func TestEnforceReportsDecision(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/governor/enforce", map[string]any{
		"action_kind": "agent.restart",
	}, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	result := decode[governor.Result](t, body)
	if result.Allowed || result.ErrorType != "TYPED_CONFIRM_REQUIRED" {
		t.Fatalf("expected confirm denial, got %s", string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/governor/enforce", map[string]any{
		"action_kind":        "agent.restart",
		"typed_confirm_text": "CONFIRM",
	}, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if !strings.Contains(string(body), `"allowed":true`) {
		t.Fatalf("expected allowed, got %s", string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/policies/work_order.ship", nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if !strings.Contains(string(body), `"requires_approval":true`) {
		t.Fatalf("ship policy should require approval: %s", string(body))
	}
}

func TestAgentActorCannotShip(t *testing.T) {
	srv := newTestServer(t)
	wo := srv.createWorkOrder(t, "bugfix").WorkOrder
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/work-orders/"+wo.Code+"/ship", map[string]any{
		"typed_confirm_text": "CONFIRM",
	}, asAgent)
	expectStatus(t, res, body, http.StatusForbidden)
	if code := errorCode(t, body); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestDispatchAndCompletionFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.createAgent(t, "agent-1")
	wo := srv.createWorkOrder(t, "bugfix").WorkOrder

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/dispatch/run", map[string]any{"dry_run": true}, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if dry := decode[dispatch.PassResult](t, body); !dry.DryRun || len(dry.Assigned) != 1 {
		t.Fatalf("unexpected dry run %+v", dry)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/dispatch/run", nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	pass := decode[dispatch.PassResult](t, body)
	if len(pass.Assigned) != 1 || pass.Assigned[0].OperationKey != "reproduce" || pass.Assigned[0].AgentID != "agent-1" {
		t.Fatalf("unexpected pass %+v", pass)
	}
	opID := pass.Assigned[0].OperationID

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/operations/"+opID+"/complete", map[string]any{
		"status": "done",
		"output": "reproduced",
	}, asAgent)
	expectStatus(t, res, body, http.StatusOK)
	out := decode[workflow.Outcome](t, body)
	if !out.Applied || out.Operation.Status != domain.OperationDone || out.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("unexpected outcome %+v", out)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/operations/"+opID+"/complete", map[string]any{
		"status": "done",
	}, asAgent)
	expectStatus(t, res, body, http.StatusOK)
	dup := decode[workflow.Outcome](t, body)
	if !dup.Noop || dup.Code != "COMPLETION_INVALID_STATE" {
		t.Fatalf("duplicate completion should be a no-op, got %+v", dup)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/activities?entity_id="+opID, nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	page := decode[paginatedActivities](t, body)
	types := map[string]bool{}
	for _, item := range page.Items {
		types[item.Type] = true
	}
	if len(page.Items) == 0 || !types["operation.assigned"] {
		t.Fatalf("expected assignment activity for %s, got %+v", wo.Code, page.Items)
	}
}

func TestPackageDeployScanOverride(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/packages", map[string]any{
		"name":               "shell-tools",
		"version":            "1.2.0",
		"blocked_by_scan":    true,
		"scan_findings":      "curl | sh",
		"typed_confirm_text": "CONFIRM",
	}, asOperator)
	expectStatus(t, res, body, http.StatusCreated)
	pkg := decode[domain.Package](t, body)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/packages/"+pkg.ID+"/deploy", map[string]any{
		"typed_confirm_text": "CONFIRM",
	}, asOperator)
	expectStatus(t, res, body, http.StatusConflict)
	if code := errorCode(t, body); code != "PACKAGE_BLOCKED_BY_SCAN" {
		t.Fatalf("expected PACKAGE_BLOCKED_BY_SCAN, got %s", code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/packages/"+pkg.ID+"/deploy", map[string]any{
		"typed_confirm_text":    "CONFIRM",
		"override_scan_block":   true,
		"override_confirm_text": "OVERRIDE_SCAN_BLOCK",
	}, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	deployed := decode[PackageDeployResponse](t, body)
	if deployed.Package.DeployedBy != "op-1" || deployed.Receipt.Status != domain.ReceiptSucceeded {
		t.Fatalf("unexpected deploy %+v", deployed)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/activities?type=security.scan_override", nil, asOperator)
	expectStatus(t, res, body, http.StatusOK)
	if page := decode[paginatedActivities](t, body); len(page.Items) != 1 {
		t.Fatalf("expected one override activity, got %d", len(page.Items))
	}
}

func TestAgentTurnStream(t *testing.T) {
	srv := newTestServer(t)
	srv.createAgent(t, "agent-1")

	b, _ := json.Marshal(map[string]any{"message": "status?"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/agents/agent-1/turns", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "op-1")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var events []string
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) < 2 || events[0] != "chunk" || events[len(events)-1] != "done" {
		t.Fatalf("unexpected event sequence %v", events)
	}

	res2, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/receipts?action_kind=agent.turn", nil, asOperator)
	expectStatus(t, res2, body, http.StatusOK)
	if receipts := decode[[]domain.Receipt](t, body); len(receipts) != 1 || receipts[0].Status != domain.ReceiptSucceeded {
		t.Fatalf("unexpected receipts %+v", receipts)
	}
}

func TestAgentTurnUnknownAgent(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/agents/ghost/turns", map[string]any{"message": "hi"}, asOperator)
	expectStatus(t, res, body, http.StatusNotFound)
	if code := errorCode(t, body); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api-keys", map[string]any{
		"actor_id":   "agent-9",
		"actor_type": "agent",
		"name":       "ci",
	}, asOperator)
	expectStatus(t, res, body, http.StatusCreated)
	created := decode[APIKeyCreatedResponse](t, body)
	if created.Secret == "" || created.Key.KeyHash != "" {
		t.Fatalf("secret must be returned once and hash hidden: %+v", created)
	}

	keyHeader := map[string]string{"X-Api-Key": created.Secret}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, keyHeader)
	expectStatus(t, res, body, http.StatusOK)
	me := decode[WhoAmIResponse](t, body)
	if me.ActorID != "agent-9" || me.ActorType != "agent" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api-keys", map[string]any{
		"actor_id": "agent-10",
	}, keyHeader)
	expectStatus(t, res, body, http.StatusForbidden)

	res, body = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api-keys/"+created.Key.ID, nil, asOperator)
	expectStatus(t, res, body, http.StatusNoContent)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, keyHeader)
	expectStatus(t, res, body, http.StatusUnauthorized)
}
