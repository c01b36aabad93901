package workflow_test

import (
	"context"
	"testing"
	"time"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
	"clawcontrol/internal/workflow"
)

var operator = domain.Actor{ID: "op-1", Type: domain.ActorOperator}

type testEnv struct {
	Engine workflow.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := testdb.Open(t)
	eng := workflow.New(conn, config.Default(), nil, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) addAgent(t *testing.T, id string, wip int) domain.Agent {
	t.Helper()
	a := domain.Agent{
		ID:           id,
		Name:         id,
		Status:       domain.AgentIdle,
		WIPLimit:     wip,
		Capabilities: []string{"*"},
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertAgent(env.Ctx, nil, a); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return a
}

func (env testEnv) bugfix(t *testing.T) (domain.WorkOrder, map[string]domain.Operation) {
	t.Helper()
	wo, ops, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{
		Title:      "Fix login",
		WorkflowID: "bugfix",
		Actor:      operator,
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	byKey := map[string]domain.Operation{}
	for _, op := range ops {
		byKey[op.Key] = op
	}
	return wo, byKey
}

func (env testEnv) assign(t *testing.T, opID, agentID string) workflow.Assignment {
	t.Helper()
	a, err := env.Engine.Assign(env.Ctx, workflow.AssignOptions{OperationID: opID, AgentID: agentID, Actor: domain.SystemActor})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return a
}

func (env testEnv) complete(t *testing.T, opID string, sig workflow.Signal) workflow.Outcome {
	t.Helper()
	out, err := env.Engine.AdvanceOnCompletion(env.Ctx, opID, sig, domain.Actor{ID: "agent-1", Type: domain.ActorAgent})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return out
}

func expectCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if !apperr.Is(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestCreateWorkOrderExpandsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wo, ops := env.bugfix(t)
	if wo.Code != "WO-0001" || wo.State != domain.WorkOrderPlanned || wo.CurrentStage != "fix" {
		t.Fatalf("unexpected work order %+v", wo)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	if deps := ops["patch"].DependsOnOperationIDs; len(deps) != 1 || deps[0] != ops["reproduce"].ID {
		t.Fatalf("patch should depend on reproduce, got %v", deps)
	}
	for _, op := range ops {
		if op.Status != domain.OperationTodo {
			t.Fatalf("operation %s should start todo, got %s", op.Key, op.Status)
		}
	}
	second, _ := env.bugfix(t)
	if second.Code != "WO-0002" {
		t.Fatalf("expected WO-0002, got %s", second.Code)
	}
	_, _, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{Title: "x", WorkflowID: "nope"})
	expectCode(t, err, apperr.CodeBadRequest)
}

func TestPatchWorkOrderStateIsRejected(t *testing.T) {
	env := newTestEnv(t)
	wo, _ := env.bugfix(t)
	state := "active"
	title := "renamed"
	_, err := env.Engine.PatchWorkOrder(env.Ctx, wo.ID, workflow.WorkOrderPatch{State: &state, Title: &title}, operator)
	expectCode(t, err, apperr.CodeManagerControlledState)
	got, _, err := env.Engine.GetWorkOrder(env.Ctx, wo.Code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.WorkOrderPlanned || got.Title != "Fix login" {
		t.Fatalf("rejected patch must not write, got %+v", got)
	}

	got, err = env.Engine.PatchWorkOrder(env.Ctx, wo.ID, workflow.WorkOrderPatch{Title: &title}, operator)
	if err != nil || got.Title != "renamed" {
		t.Fatalf("plain patch failed: %v %+v", err, got)
	}
}

func TestStartBlockedWorkOrderRequiresResume(t *testing.T) {
	env := newTestEnv(t)
	wo, _ := env.bugfix(t)
	if _, err := env.Engine.StartWorkOrder(env.Ctx, wo.ID, operator); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.BlockWorkOrder(env.Ctx, wo.ID, "", operator); err != nil {
		t.Fatalf("block: %v", err)
	}
	_, err := env.Engine.StartWorkOrder(env.Ctx, wo.ID, operator)
	expectCode(t, err, apperr.CodeWorkOrderBlockedUseResume)

	_, err = env.Engine.ResumeWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{Actor: operator})
	expectCode(t, err, apperr.CodeTypedConfirmRequired)
	got, err := env.Engine.ResumeWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: governor.Text("CONFIRM"), Actor: operator})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.State != domain.WorkOrderActive || got.BlockedReason != "" {
		t.Fatalf("expected active without reason, got %+v", got)
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 2)
	_, ops := env.bugfix(t)
	env.assign(t, ops["reproduce"].ID, "agent-1")

	first := env.complete(t, ops["reproduce"].ID, workflow.Signal{Status: domain.OperationDone, Output: "repro steps"})
	if !first.Applied || first.Operation.Status != domain.OperationDone || first.Operation.CompletedAt == nil {
		t.Fatalf("first completion should apply, got %+v", first)
	}
	second := env.complete(t, ops["reproduce"].ID, workflow.Signal{Status: domain.OperationDone})
	if second.Applied || !second.Noop || second.Code != apperr.CodeCompletionInvalidState {
		t.Fatalf("duplicate completion should be a no-op, got %+v", second)
	}
	agent, err := env.Engine.Repo.GetAgent(env.Ctx, nil, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentIdle || agent.CurrentWorkOrderID != "" {
		t.Fatalf("agent should be released, got %+v", agent)
	}
}

func TestStaleCompletionIgnoredWhileBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 2)
	wo, ops := env.bugfix(t)
	env.assign(t, ops["reproduce"].ID, "agent-1")
	if _, err := env.Engine.BlockWorkOrder(env.Ctx, wo.ID, "waiting on vendor", operator); err != nil {
		t.Fatalf("block: %v", err)
	}
	out := env.complete(t, ops["reproduce"].ID, workflow.Signal{Status: domain.OperationDone})
	if !out.Noop || out.Code != apperr.CodeCompletionStaleIgnored {
		t.Fatalf("expected stale no-op, got %+v", out)
	}
	op, err := env.Engine.Repo.GetOperation(env.Ctx, nil, ops["reproduce"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != domain.OperationInProgress {
		t.Fatalf("stale completion must not write, got %s", op.Status)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, nil, repo.ActivityFilters{Type: "operation.completion_ignored"})
	if err != nil || len(acts) != 1 {
		t.Fatalf("expected one completion_ignored activity, got %d (%v)", len(acts), err)
	}
}

func TestSecurityVetoEscalation(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 2)
	wo, ops := env.bugfix(t)
	opID := ops["reproduce"].ID
	env.assign(t, opID, "agent-1")

	out := env.complete(t, opID, workflow.Signal{Status: domain.OperationBlocked, BlockReason: domain.BlockReasonSecurityVeto})
	if out.Operation.Status != domain.OperationBlocked || out.WorkOrder.State != domain.WorkOrderBlocked || out.ApprovalID == "" {
		t.Fatalf("escalation should block both and open an approval, got %+v", out)
	}
	approval, err := env.Engine.Repo.GetApproval(env.Ctx, nil, out.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if approval.Type != domain.ApprovalSecurityReview || approval.Status != domain.ApprovalPending || approval.OperationID != opID {
		t.Fatalf("unexpected approval %+v", approval)
	}

	confirm := governor.Text("CONFIRM")
	_, err = env.Engine.ResumeWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: confirm, Actor: operator})
	expectCode(t, err, apperr.CodePolicyDenied)
	_, err = env.Engine.ResumeOperation(env.Ctx, opID, operator)
	expectCode(t, err, apperr.CodePolicyDenied)
	veto := "escalated"
	_, err = env.Engine.PatchOperation(env.Ctx, opID, workflow.OperationPatch{BlockedReason: &veto}, operator)
	expectCode(t, err, apperr.CodeForbidden)
	_, err = env.Engine.UnblockOperation(env.Ctx, opID, workflow.UnblockOptions{TypedConfirmText: confirm, Actor: operator})
	expectCode(t, err, apperr.CodeApprovalRequired)

	if _, err := env.Engine.Repo.DecideApproval(env.Ctx, nil, approval.ID, domain.ApprovalApproved, "op-1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	out, err = env.Engine.UnblockOperation(env.Ctx, opID, workflow.UnblockOptions{TypedConfirmText: confirm, Actor: operator})
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if out.Operation.Status != domain.OperationInProgress || out.Operation.BlockedReason != "" {
		t.Fatalf("assigned operation should return to in_progress, got %+v", out.Operation)
	}
	if out.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("work order should be active again, got %s", out.WorkOrder.State)
	}
}

func TestEscalationResumeWithoutVeto(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 2)
	_, ops := env.bugfix(t)
	opID := ops["reproduce"].ID
	env.assign(t, opID, "agent-1")
	out := env.complete(t, opID, workflow.Signal{Status: domain.OperationBlocked})
	if out.Operation.BlockedReason != domain.BlockReasonEscalated {
		t.Fatalf("expected escalated reason, got %q", out.Operation.BlockedReason)
	}
	out, err := env.Engine.ResumeOperation(env.Ctx, opID, operator)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !out.Applied || out.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("expected applied resume, got %+v", out)
	}
	out, err = env.Engine.ResumeOperation(env.Ctx, opID, operator)
	if err != nil || out.Applied {
		t.Fatalf("second resume should be a no-op, got %+v %v", out, err)
	}
}

func TestStageAdvanceReviewAndShip(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	wo, ops := env.bugfix(t)

	_, err := env.Engine.Assign(env.Ctx, workflow.AssignOptions{OperationID: ops["patch"].ID, AgentID: "agent-1"})
	expectCode(t, err, apperr.CodeInvalidTransition)

	a := env.assign(t, ops["reproduce"].ID, "agent-1")
	if a.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("first assignment should start the work order, got %s", a.WorkOrder.State)
	}
	if a.Session.Key != workflow.SessionKey("agent-1", wo.ID, ops["reproduce"].ID) || a.SessionReused {
		t.Fatalf("unexpected session %+v", a.Session)
	}
	env.complete(t, ops["reproduce"].ID, workflow.Signal{Status: domain.OperationDone})
	env.assign(t, ops["patch"].ID, "agent-1")
	out := env.complete(t, ops["patch"].ID, workflow.Signal{Status: domain.OperationDone})
	if out.Advanced != "verify" || out.WorkOrder.CurrentStage != "verify" {
		t.Fatalf("expected advance to verify, got %+v", out)
	}
	env.assign(t, ops["verify"].ID, "agent-1")
	out = env.complete(t, ops["verify"].ID, workflow.Signal{Status: domain.OperationDone})
	if out.WorkOrder.State != domain.WorkOrderReview {
		t.Fatalf("expected review after last stage, got %s", out.WorkOrder.State)
	}

	done, gate, err := env.Engine.AcceptReview(env.Ctx, wo.ID, operator)
	if err != nil {
		t.Fatalf("accept review: %v", err)
	}
	if done.State != domain.WorkOrderDone || gate.Type != domain.ApprovalShipGate {
		t.Fatalf("unexpected review outcome %+v %+v", done, gate)
	}
	confirm := governor.Text("CONFIRM")
	_, err = env.Engine.ShipWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: confirm, Actor: operator})
	expectCode(t, err, apperr.CodeApprovalRequired)
	if _, err := env.Engine.Repo.DecideApproval(env.Ctx, nil, gate.ID, domain.ApprovalApproved, "op-1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ShipWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{Actor: operator})
	expectCode(t, err, apperr.CodeTypedConfirmRequired)
	shipped, err := env.Engine.ShipWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: confirm, Actor: operator})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.State != domain.WorkOrderShipped || shipped.ShippedAt == nil {
		t.Fatalf("expected shipped, got %+v", shipped)
	}
}

func TestReturnForRework(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	wo, ops := env.bugfix(t)
	for _, key := range []string{"reproduce", "patch", "verify"} {
		env.assign(t, ops[key].ID, "agent-1")
		env.complete(t, ops[key].ID, workflow.Signal{Status: domain.OperationDone})
	}
	got, rework, err := env.Engine.ReturnForRework(env.Ctx, wo.ID, "missing regression test", operator)
	if err != nil {
		t.Fatalf("rework: %v", err)
	}
	if got.State != domain.WorkOrderActive || rework.Key != "rework-1" || rework.Stage != "verify" {
		t.Fatalf("unexpected rework %+v %+v", got, rework)
	}
	env.assign(t, rework.ID, "agent-1")
	out := env.complete(t, rework.ID, workflow.Signal{Status: domain.OperationDone})
	if out.WorkOrder.State != domain.WorkOrderReview {
		t.Fatalf("expected review again, got %s", out.WorkOrder.State)
	}
}

func TestOperationReviewSignal(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	_, ops := env.bugfix(t)
	opID := ops["reproduce"].ID
	env.assign(t, opID, "agent-1")
	out := env.complete(t, opID, workflow.Signal{Status: domain.OperationReview})
	if out.Operation.Status != domain.OperationReview {
		t.Fatalf("expected review, got %s", out.Operation.Status)
	}
	out, err := env.Engine.CompleteReview(env.Ctx, opID, false, operator)
	if err != nil || out.Operation.Status != domain.OperationRework {
		t.Fatalf("rejected review should go to rework: %+v %v", out, err)
	}
	a := env.assign(t, opID, "agent-1")
	if !a.SessionReused {
		t.Fatalf("reassigning the same triple should reuse the session")
	}
	env.complete(t, opID, workflow.Signal{Status: domain.OperationReview})
	out, err = env.Engine.CompleteReview(env.Ctx, opID, true, operator)
	if err != nil || out.Operation.Status != domain.OperationDone {
		t.Fatalf("accepted review should finish the operation: %+v %v", out, err)
	}
}

func TestCancelRequiresTypedCode(t *testing.T) {
	env := newTestEnv(t)
	wo, _ := env.bugfix(t)
	_, err := env.Engine.CancelWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: governor.Text("CONFIRM")})
	expectCode(t, err, apperr.CodeTypedConfirmRequired)
	got, err := env.Engine.CancelWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: governor.Text(wo.Code), Actor: operator})
	if err != nil || got.State != domain.WorkOrderCancelled {
		t.Fatalf("cancel: %+v %v", got, err)
	}
	_, err = env.Engine.StartWorkOrder(env.Ctx, wo.ID, operator)
	expectCode(t, err, apperr.CodeInvalidTransition)
}

func TestWIPLimitEnforcedAtAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	_, first := env.bugfix(t)
	_, second := env.bugfix(t)
	env.assign(t, first["reproduce"].ID, "agent-1")
	_, err := env.Engine.Assign(env.Ctx, workflow.AssignOptions{OperationID: second["reproduce"].ID, AgentID: "agent-1"})
	expectCode(t, err, apperr.CodeInvalidTransition)
}

func TestResumeReleasesSlotWhenAgentIsFull(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	_, first := env.bugfix(t)
	_, second := env.bugfix(t)
	opID := first["reproduce"].ID
	env.assign(t, opID, "agent-1")
	env.complete(t, opID, workflow.Signal{Status: domain.OperationBlocked})

	// Escalation freed the slot, so the agent picks up other work.
	env.assign(t, second["reproduce"].ID, "agent-1")

	out, err := env.Engine.ResumeOperation(env.Ctx, opID, operator)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Operation.Status != domain.OperationTodo || len(out.Operation.AssigneeAgentIDs) != 0 {
		t.Fatalf("resumed operation should wait for dispatch, got %+v", out.Operation)
	}
	load, err := env.Engine.Repo.ActiveLoadByAgent(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if load["agent-1"] != 1 {
		t.Fatalf("agent-1 should hold exactly one operation, got %d", load["agent-1"])
	}
}

func TestResumeKeepsAssigneeWithRoom(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	wo, ops := env.bugfix(t)
	opID := ops["reproduce"].ID
	env.assign(t, opID, "agent-1")
	env.complete(t, opID, workflow.Signal{Status: domain.OperationBlocked})

	out, err := env.Engine.ResumeOperation(env.Ctx, opID, operator)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Operation.Status != domain.OperationInProgress {
		t.Fatalf("expected in_progress, got %s", out.Operation.Status)
	}
	agent, err := env.Engine.Repo.GetAgent(env.Ctx, nil, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentActive || agent.CurrentWorkOrderID != wo.ID {
		t.Fatalf("agent should be back on the work order, got %+v", agent)
	}
}

func TestCancelFreesAgentCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1", 1)
	wo, first := env.bugfix(t)
	_, second := env.bugfix(t)
	opID := first["reproduce"].ID
	env.assign(t, opID, "agent-1")

	if _, err := env.Engine.CancelWorkOrder(env.Ctx, wo.ID, workflow.ResumeOptions{TypedConfirmText: governor.Text(wo.Code), Actor: operator}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	op, err := env.Engine.Repo.GetOperation(env.Ctx, nil, opID)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != domain.OperationBlocked || op.BlockedReason != domain.BlockReasonCancelled || len(op.AssigneeAgentIDs) != 0 {
		t.Fatalf("in-progress operation should be halted and unassigned, got %+v", op)
	}
	env.assign(t, second["reproduce"].ID, "agent-1")

	_, err = env.Engine.UnblockOperation(env.Ctx, opID, workflow.UnblockOptions{TypedConfirmText: governor.Text("CONFIRM"), Actor: operator})
	expectCode(t, err, apperr.CodeInvalidTransition)
}

func TestOperationGraphAndStatusAreManagerControlled(t *testing.T) {
	env := newTestEnv(t)
	_, ops := env.bugfix(t)
	expectCode(t, env.Engine.CreateOperationGraph(env.Ctx), apperr.CodeManagerControlledOperationGraph)
	status := "done"
	_, err := env.Engine.PatchOperation(env.Ctx, ops["reproduce"].ID, workflow.OperationPatch{Status: &status}, operator)
	expectCode(t, err, apperr.CodeManagerControlledOperationStatus)
	if ae, _ := apperr.As(err); ae.Status() != 403 {
		t.Fatalf("expected 403, got %d", ae.Status())
	}
	_, err = env.Engine.AdvanceOnCompletion(env.Ctx, ops["reproduce"].ID, workflow.Signal{Status: "todo"}, operator)
	expectCode(t, err, apperr.CodeBadRequest)
}

func TestGetValidTransitions(t *testing.T) {
	got, err := workflow.GetValidTransitions(workflow.EntityWorkOrder, "blocked")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "active" || got[1] != "cancelled" {
		t.Fatalf("unexpected transitions %v", got)
	}
	got, err = workflow.GetValidTransitions(workflow.EntityOperation, "done")
	if err != nil || len(got) != 0 {
		t.Fatalf("done is terminal, got %v %v", got, err)
	}
	_, err = workflow.GetValidTransitions("task", "todo")
	expectCode(t, err, apperr.CodeBadRequest)
}
