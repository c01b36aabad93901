package receipt_test

import (
	"context"
	"errors"
	"testing"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/receipt"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
)

var begin = receipt.BeginOptions{
	ActionKind:  "agent.restart",
	CommandName: "agent restart",
	Actor:       domain.Actor{ID: "op-1", Type: domain.ActorOperator},
	TargetKind:  "agent",
	TargetID:    "agent-1",
}

func TestFinalizeExactlyOnce(t *testing.T) {
	rec := receipt.NewRecorder(testdb.Open(t), nil, nil)
	ctx := context.Background()
	rc, err := rec.Begin(ctx, begin)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Append(ctx, rc.ID, receipt.Stdout, "hello "); err != nil {
		t.Fatal(err)
	}
	if err := rec.Append(ctx, rc.ID, receipt.Stdout, "world"); err != nil {
		t.Fatal(err)
	}
	done, err := rec.Finalize(ctx, rc.ID, domain.ReceiptSucceeded, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done.Stdout != "hello world" || done.ExitCode == nil || *done.ExitCode != 0 || done.EndedAt == nil {
		t.Fatalf("unexpected receipt %+v", done)
	}
	_, err = rec.Finalize(ctx, rc.ID, domain.ReceiptFailed, 1)
	if !apperr.Is(err, apperr.CodeReceiptAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	if err := rec.Append(ctx, rc.ID, receipt.Stderr, "late"); !apperr.Is(err, apperr.CodeReceiptAlreadyFinalized) {
		t.Fatalf("append after finalize should fail, got %v", err)
	}
	if _, err := rec.Finalize(ctx, "missing", domain.ReceiptSucceeded, 0); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunFinalizesOnError(t *testing.T) {
	rec := receipt.NewRecorder(testdb.Open(t), nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")
	rc, err := rec.Run(ctx, begin, func(ctx context.Context, w receipt.Writer) (int, error) {
		_ = w.Stdout(ctx, "starting\n")
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error should propagate, got %v", err)
	}
	if rc.Status != domain.ReceiptFailed || rc.ExitCode == nil || *rc.ExitCode != receipt.ExitFailed || rc.Stderr != "boom\n" {
		t.Fatalf("unexpected receipt %+v", rc)
	}
}

func TestRunFinalizesOnPanic(t *testing.T) {
	rec := receipt.NewRecorder(testdb.Open(t), nil, nil)
	ctx := context.Background()
	var id string
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("panic should be re-raised")
			}
		}()
		_, _ = rec.Run(ctx, begin, func(ctx context.Context, w receipt.Writer) (int, error) {
			id = w.ID()
			panic("kaboom")
		})
	}()
	rc, err := rec.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Status != domain.ReceiptFailed {
		t.Fatalf("panicking run should be failed, got %s", rc.Status)
	}
}

func TestRunAbortedOnCancel(t *testing.T) {
	rec := receipt.NewRecorder(testdb.Open(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	rc, err := rec.Run(ctx, begin, func(ctx context.Context, w receipt.Writer) (int, error) {
		cancel()
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if rc.Status != domain.ReceiptAborted || *rc.ExitCode != receipt.ExitAborted {
		t.Fatalf("expected aborted/130, got %+v", rc)
	}
}

func TestRunSucceeds(t *testing.T) {
	rec := receipt.NewRecorder(testdb.Open(t), nil, nil)
	ctx := context.Background()
	rc, err := rec.Run(ctx, begin, func(ctx context.Context, w receipt.Writer) (int, error) {
		return 0, w.Stdout(ctx, "ok")
	})
	if err != nil || rc.Status != domain.ReceiptSucceeded || rc.Stdout != "ok" {
		t.Fatalf("unexpected %+v %v", rc, err)
	}
	list, err := rec.List(ctx, repo.ReceiptFilters{ActionKind: "agent.restart"})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one receipt, got %d %v", len(list), err)
	}
}
