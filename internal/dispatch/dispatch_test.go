package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/dispatch"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
	"clawcontrol/internal/workflow"
)

type testEnv struct {
	Ctx    context.Context
	Engine workflow.Engine
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := testdb.Open(t)
	eng := workflow.New(conn, config.Default(), nil, nil)
	return testEnv{Ctx: context.Background(), Engine: eng}
}

func (env testEnv) addAgent(t *testing.T, id string, wip int, caps ...string) {
	t.Helper()
	err := env.Engine.Repo.InsertAgent(env.Ctx, nil, domain.Agent{
		ID: id, Name: id, Status: domain.AgentIdle, WIPLimit: wip, Capabilities: caps,
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
}

func (env testEnv) workOrder(t *testing.T, wf string) domain.WorkOrder {
	t.Helper()
	wo, _, err := env.Engine.CreateWorkOrder(env.Ctx, workflow.CreateWorkOrderOptions{Title: "wo", WorkflowID: wf})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return wo
}

func TestRunPassAssignsReadyOperations(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "qa-1", 2, "qa")
	wo := env.workOrder(t, "bugfix")
	coord := dispatch.NewCoordinator(env.Engine, dispatch.NewMemoryLock(0), 25)

	res, err := coord.RunPass(env.Ctx, dispatch.Options{})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if len(res.Assigned) != 1 || res.Assigned[0].OperationKey != "reproduce" || res.Assigned[0].AgentID != "qa-1" {
		t.Fatalf("expected reproduce assigned to qa-1, got %+v", res.Assigned)
	}
	got, ops, err := env.Engine.GetWorkOrder(env.Ctx, wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.WorkOrderActive {
		t.Fatalf("work order should be started, got %s", got.State)
	}
	for _, op := range ops {
		if op.Key == "reproduce" && (op.Status != domain.OperationInProgress || len(op.AssigneeAgentIDs) != 1) {
			t.Fatalf("unexpected reproduce %+v", op)
		}
		if op.Key == "patch" && op.Status != domain.OperationTodo {
			t.Fatalf("patch must wait on its dependency, got %s", op.Status)
		}
	}

	res, err = coord.RunPass(env.Ctx, dispatch.Options{})
	if err != nil || len(res.Assigned) != 0 {
		t.Fatalf("second pass should assign nothing, got %+v %v", res, err)
	}
}

func TestRunPassDryRunDoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "any", 3, "*")
	wo := env.workOrder(t, "bugfix")
	coord := dispatch.NewCoordinator(env.Engine, dispatch.NewMemoryLock(0), 25)
	res, err := coord.RunPass(env.Ctx, dispatch.Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || len(res.Assigned) != 1 {
		t.Fatalf("expected one planned assignment, got %+v", res)
	}
	got, _, _ := env.Engine.GetWorkOrder(env.Ctx, wo.ID)
	if got.State != domain.WorkOrderPlanned {
		t.Fatalf("dry run must not write, got %s", got.State)
	}
}

func TestRunPassRespectsWIPAndCapabilities(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "qa-1", 1, "qa")
	env.addAgent(t, "builder", 5, "build")
	env.workOrder(t, "bugfix")
	env.workOrder(t, "bugfix")
	coord := dispatch.NewCoordinator(env.Engine, dispatch.NewMemoryLock(0), 25)
	res, err := coord.RunPass(env.Ctx, dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Assigned) != 1 || res.Assigned[0].AgentID != "qa-1" {
		t.Fatalf("only one qa assignment fits, got %+v", res.Assigned)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != "no eligible agent" {
		t.Fatalf("expected one skip, got %+v", res.Skipped)
	}
}

func TestRunPassLockHeld(t *testing.T) {
	env := newTestEnv(t)
	lock := dispatch.NewMemoryLock(10 * time.Millisecond)
	release, err := lock.Acquire(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	coord := dispatch.NewCoordinator(env.Engine, lock, 25)
	_, err = coord.RunPass(env.Ctx, dispatch.Options{})
	if !apperr.Is(err, apperr.CodeDispatchAlreadyRunning) || !errors.Is(err, dispatch.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	if ae, _ := apperr.As(err); ae.Status() != 409 {
		t.Fatalf("expected 409, got %d", ae.Status())
	}
}

func TestManualAssignTakesDispatchLock(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "a", 1, "*")
	env.workOrder(t, "bugfix")
	ops, err := env.Engine.Repo.ListOperations(env.Ctx, nil, repo.OperationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	var opID string
	for _, op := range ops {
		if op.Key == "reproduce" {
			opID = op.ID
		}
	}
	lock := dispatch.NewMemoryLock(0)
	coord := dispatch.NewCoordinator(env.Engine, lock, 25)

	release, err := lock.Acquire(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = coord.Assign(env.Ctx, workflow.AssignOptions{OperationID: opID, AgentID: "a"})
	if !apperr.Is(err, apperr.CodeDispatchAlreadyRunning) {
		t.Fatalf("expected manual assign to wait on the running pass, got %v", err)
	}
	release()

	got, err := coord.Assign(env.Ctx, workflow.AssignOptions{OperationID: opID, AgentID: "a"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Operation.Status != domain.OperationInProgress || got.WorkOrder.State != domain.WorkOrderActive {
		t.Fatalf("unexpected assignment %+v", got)
	}
}

func TestConcurrentPassesNeverDoubleAssign(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "a", 10, "*")
	env.addAgent(t, "b", 10, "*")
	for i := 0; i < 4; i++ {
		env.workOrder(t, "bugfix")
	}
	coord := dispatch.NewCoordinator(env.Engine, dispatch.NewMemoryLock(5*time.Second), 25)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.RunPass(env.Ctx, dispatch.Options{})
			if err != nil {
				t.Errorf("run pass: %v", err)
				return
			}
			mu.Lock()
			total += len(res.Assigned)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 4 {
		t.Fatalf("expected 4 assignments across all passes, got %d", total)
	}
}

func TestLeaseLock(t *testing.T) {
	conn := testdb.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	first := dispatch.NewLeaseLock(conn, "dispatch", time.Minute, 0)
	first.Now = clock
	second := dispatch.NewLeaseLock(conn, "dispatch", time.Minute, 0)
	second.Now = clock

	release, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := second.Acquire(ctx); !apperr.Is(err, apperr.CodeDispatchAlreadyRunning) {
		t.Fatalf("expected lease held, got %v", err)
	}
	release()
	release2, err := second.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	t.Cleanup(release2)

	now = now.Add(2 * time.Minute)
	release3, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
	t.Cleanup(release3)
}

func TestLeaseLockRenewsWhileHeld(t *testing.T) {
	conn := testdb.Open(t)
	ctx := context.Background()
	ttl := 90 * time.Millisecond
	first := dispatch.NewLeaseLock(conn, "dispatch", ttl, 0)
	second := dispatch.NewLeaseLock(conn, "dispatch", ttl, 0)

	release, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	time.Sleep(3 * ttl)
	if _, err := second.Acquire(ctx); !apperr.Is(err, apperr.CodeDispatchAlreadyRunning) {
		t.Fatalf("a held lease must not expire under a long pass, got %v", err)
	}
	release()
	release2, err := second.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestRedisLock(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	ctx := context.Background()
	url := "redis://" + server.Addr() + "/0"

	first, err := dispatch.NewRedisLock(url, "clawcontrol:dispatch", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := dispatch.NewRedisLock(url, "clawcontrol:dispatch", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	release, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := second.Acquire(ctx); !apperr.Is(err, apperr.CodeDispatchAlreadyRunning) {
		t.Fatalf("expected lock held, got %v", err)
	}
	release()
	if server.Exists("clawcontrol:dispatch") {
		t.Fatalf("release should delete the key")
	}

	release2, err := second.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	server.FastForward(2 * time.Minute)
	release3, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("expired key should be free: %v", err)
	}
	// A stale release must not drop the new holder's key.
	release2()
	if !server.Exists("clawcontrol:dispatch") {
		t.Fatalf("stale release deleted another owner's lock")
	}
	release3()
}

func TestRedisLockRenewsWhileHeld(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	ttl := 90 * time.Millisecond
	lock, err := dispatch.NewRedisLock("redis://"+server.Addr()+"/0", "clawcontrol:dispatch", ttl, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Close()

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	server.FastForward(60 * time.Millisecond)
	time.Sleep(ttl)
	if left := server.TTL("clawcontrol:dispatch"); left <= 30*time.Millisecond {
		t.Fatalf("expected the key ttl to be renewed, got %s", left)
	}
}

func TestChainReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	a := dispatch.NewMemoryLock(0)
	b := dispatch.NewMemoryLock(0)
	hold, err := b.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (dispatch.Chain{a, b}).Acquire(ctx); err == nil {
		t.Fatalf("expected chain to fail while b is held")
	}
	hold()
	release, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("a should have been released by the failed chain: %v", err)
	}
	release()
}
