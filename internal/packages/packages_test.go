package packages_test

import (
	"context"
	"testing"
	"time"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/gateway"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/packages"
	"clawcontrol/internal/receipt"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
)

var operator = domain.Actor{ID: "op-1", Type: domain.ActorOperator}

func newService(t *testing.T) (packages.Service, *gateway.Fake) {
	t.Helper()
	conn := testdb.Open(t)
	fake := gateway.NewFake()
	mon, err := gateway.NewMonitor(fake, config.GatewayConfig{Timeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mon.Close)
	return packages.New(conn, mon, governor.Governor{}, receipt.NewRecorder(conn, nil, nil), nil), fake
}

func register(t *testing.T, svc packages.Service, blocked bool) domain.Package {
	t.Helper()
	p, err := svc.Register(context.Background(), packages.RegisterOptions{
		Name:             "ops-kit",
		Version:          "1.2.0",
		BlockedByScan:    blocked,
		ScanFindings:     "CVE-2026-0001",
		TypedConfirmText: governor.Text("CONFIRM"),
		Actor:            operator,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return p
}

func TestDeployBlockedByScan(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := register(t, svc, true)
	confirm := governor.Text("CONFIRM")

	_, _, err := svc.Deploy(ctx, p.ID, packages.DeployOptions{TypedConfirmText: confirm, Actor: operator})
	if !apperr.Is(err, apperr.CodePackageBlockedByScan) {
		t.Fatalf("expected PACKAGE_BLOCKED_BY_SCAN, got %v", err)
	}
	if ae, _ := apperr.As(err); ae.Status() != 409 {
		t.Fatalf("expected 409, got %d", ae.Status())
	}

	_, _, err = svc.Deploy(ctx, p.ID, packages.DeployOptions{
		TypedConfirmText:    confirm,
		OverrideScanBlock:   true,
		OverrideConfirmText: governor.Text("CONFIRM"),
		Actor:               operator,
	})
	if !apperr.Is(err, apperr.CodeTypedConfirmRequired) {
		t.Fatalf("override needs its own confirmation, got %v", err)
	}

	deployed, rc, err := svc.Deploy(ctx, p.ID, packages.DeployOptions{
		TypedConfirmText:    confirm,
		OverrideScanBlock:   true,
		OverrideConfirmText: governor.Text(governor.OverrideScanBlockText),
		Actor:               operator,
	})
	if err != nil {
		t.Fatalf("deploy with override: %v", err)
	}
	if deployed.DeployedAt == nil || deployed.DeployedBy != "op-1" {
		t.Fatalf("unexpected package %+v", deployed)
	}
	if rc.Status != domain.ReceiptSucceeded || rc.ActionKind != string(governor.PackageDeployOverrideScan) {
		t.Fatalf("unexpected receipt %+v", rc)
	}
	acts, err := svc.Repo.ListActivities(ctx, nil, repo.ActivityFilters{Type: "security.scan_override"})
	if err != nil || len(acts) != 1 || acts[0].EntityID != p.ID {
		t.Fatalf("expected one security.scan_override activity, got %+v (%v)", acts, err)
	}
}

func TestDeployCleanPackage(t *testing.T) {
	svc, fake := newService(t)
	ctx := context.Background()
	p := register(t, svc, false)

	if _, _, err := svc.Deploy(ctx, p.ID, packages.DeployOptions{Actor: operator}); !apperr.Is(err, apperr.CodeTypedConfirmRequired) {
		t.Fatalf("expected TYPED_CONFIRM_REQUIRED, got %v", err)
	}
	fake.SetDown(true)
	if _, _, err := svc.Deploy(ctx, p.ID, packages.DeployOptions{TypedConfirmText: governor.Text("CONFIRM"), Actor: operator}); !apperr.Is(err, apperr.CodeRuntimeUnavailable) {
		t.Fatalf("expected RUNTIME_UNAVAILABLE, got %v", err)
	}
	fake.SetDown(false)
	got, _, err := svc.Deploy(ctx, p.ID, packages.DeployOptions{TypedConfirmText: governor.Text("CONFIRM"), Actor: operator})
	if err != nil || got.DeployedAt == nil {
		t.Fatalf("deploy: %+v %v", got, err)
	}
	acts, _ := svc.Repo.ListActivities(ctx, nil, repo.ActivityFilters{Type: "security.scan_override"})
	if len(acts) != 0 {
		t.Fatalf("clean deploy must not record a scan override")
	}
	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one package, got %d %v", len(list), err)
	}
}
