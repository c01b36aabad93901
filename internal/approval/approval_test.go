package approval_test

import (
	"context"
	"testing"
	"time"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/approval"
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
	"clawcontrol/internal/workflow"
)

var operator = domain.Actor{ID: "op-1", Type: domain.ActorOperator}

type fakeResumer struct {
	calls []string
}

func (f *fakeResumer) ResumeOperation(_ context.Context, id string, _ domain.Actor) (workflow.Outcome, error) {
	f.calls = append(f.calls, id)
	return workflow.Outcome{Applied: true}, nil
}

type testEnv struct {
	Ctx      context.Context
	Engine   workflow.Engine
	Approval approval.Service
	Resumer  *fakeResumer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := testdb.Open(t)
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := workflow.New(conn, config.Default(), nil, nil)
	eng.Now = now
	res := &fakeResumer{}
	svc := approval.New(conn, res, governor.Governor{}, nil)
	svc.Now = now
	return testEnv{Ctx: context.Background(), Engine: eng, Approval: svc, Resumer: res}
}

// escalated creates a work order, assigns its first operation and escalates it.
func (env testEnv) escalated(t *testing.T, reason string) (domain.Operation, string) {
	t.Helper()
	err := env.Engine.Repo.InsertAgent(env.Ctx, nil, domain.Agent{
		ID: "agent-1", Name: "agent-1", Status: domain.AgentIdle, WIPLimit: 2,
		Capabilities: []string{"*"}, CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ops, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{Title: "t", WorkflowID: "bugfix", Actor: operator})
	if err != nil {
		t.Fatal(err)
	}
	var op domain.Operation
	for _, o := range ops {
		if o.Key == "reproduce" {
			op = o
		}
	}
	if _, err := env.Engine.Assign(env.Ctx, workflow.AssignOptions{OperationID: op.ID, AgentID: "agent-1", Actor: domain.SystemActor}); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.AdvanceOnCompletion(env.Ctx, op.ID, workflow.Signal{Status: domain.OperationBlocked, BlockReason: reason}, domain.SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	return out.Operation, out.ApprovalID
}

func TestCreateRejectsMismatchedOperation(t *testing.T) {
	env := newTestEnv(t)
	first, firstOps, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{Title: "a", WorkflowID: "bugfix"})
	if err != nil {
		t.Fatal(err)
	}
	_, otherOps, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{Title: "b", WorkflowID: "bugfix"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Approval.Create(env.Ctx, approval.CreateOptions{
		WorkOrderID: first.ID,
		OperationID: otherOps[0].ID,
		Type:        domain.ApprovalScopeChange,
		QuestionMD:  "expand scope?",
		Actor:       operator,
	})
	if !apperr.Is(err, apperr.CodeApprovalOperationWorkOrderMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if ae, _ := apperr.As(err); ae.Status() != 400 {
		t.Fatalf("expected 400, got %d", ae.Status())
	}
	list, err := env.Approval.List(env.Ctx, repo.ApprovalFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("mismatch must not write, got %d (%v)", len(list), err)
	}

	a, err := env.Approval.Create(env.Ctx, approval.CreateOptions{
		WorkOrderID: first.Code,
		OperationID: firstOps[0].ID,
		Type:        domain.ApprovalScopeChange,
		QuestionMD:  "expand scope?",
		Actor:       operator,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != domain.ApprovalPending || a.WorkOrderID != first.ID {
		t.Fatalf("unexpected approval %+v", a)
	}
}

func TestDecideResumesEscalation(t *testing.T) {
	env := newTestEnv(t)
	op, approvalID := env.escalated(t, "")
	d, err := env.Approval.Decide(env.Ctx, approvalID, domain.ApprovalApproved, operator)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Resumed || len(env.Resumer.calls) != 1 || env.Resumer.calls[0] != op.ID {
		t.Fatalf("expected resume of %s, got %+v calls=%v", op.ID, d, env.Resumer.calls)
	}
	_, err = env.Approval.Decide(env.Ctx, approvalID, domain.ApprovalRejected, operator)
	if !apperr.Is(err, apperr.CodeApprovalAlreadyDecided) {
		t.Fatalf("expected already decided, got %v", err)
	}
}

func TestDecideSuppressesResumeForSecurityVeto(t *testing.T) {
	env := newTestEnv(t)
	op, approvalID := env.escalated(t, domain.BlockReasonSecurityVeto)
	d, err := env.Approval.Decide(env.Ctx, approvalID, domain.ApprovalApproved, operator)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Resumed || !d.ResumeSuppressed || len(env.Resumer.calls) != 0 {
		t.Fatalf("veto must suppress resume, got %+v calls=%v", d, env.Resumer.calls)
	}
	stored, err := env.Approval.Get(env.Ctx, approvalID)
	if err != nil || !stored.ResumeSuppressed {
		t.Fatalf("expected resume_suppressed stored, got %+v %v", stored, err)
	}
	got, err := env.Engine.Repo.GetOperation(env.Ctx, nil, op.ID)
	if err != nil || got.Status != domain.OperationBlocked {
		t.Fatalf("operation should stay blocked, got %+v %v", got, err)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, nil, repo.ActivityFilters{Type: "approval.resume_suppressed"})
	if err != nil || len(acts) != 1 {
		t.Fatalf("expected one suppression activity, got %d (%v)", len(acts), err)
	}
}

func TestRejectLeavesOperationBlocked(t *testing.T) {
	env := newTestEnv(t)
	op, approvalID := env.escalated(t, "")
	d, err := env.Approval.Decide(env.Ctx, approvalID, domain.ApprovalRejected, operator)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Resumed || len(env.Resumer.calls) != 0 || d.Approval.Status != domain.ApprovalRejected {
		t.Fatalf("unexpected decision %+v", d)
	}
	got, _ := env.Engine.Repo.GetOperation(env.Ctx, nil, op.ID)
	if got.Status != domain.OperationBlocked {
		t.Fatalf("operation should stay blocked, got %s", got.Status)
	}
	_, err = env.Approval.Decide(env.Ctx, approvalID, "maybe", operator)
	if !apperr.Is(err, apperr.CodeBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestDecideWithEngineResumer(t *testing.T) {
	env := newTestEnv(t)
	env.Approval.Resumer = env.Engine
	op, approvalID := env.escalated(t, "")
	d, err := env.Approval.Decide(env.Ctx, approvalID, domain.ApprovalApproved, operator)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Resumed || d.Outcome.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("expected resumed work order, got %+v", d)
	}
	got, _ := env.Engine.Repo.GetOperation(env.Ctx, nil, op.ID)
	if got.Status != domain.OperationInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}
