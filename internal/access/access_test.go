package access

import (
	"context"
	"strings"
	"testing"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/testdb"
)

func TestDefaultPolicies(t *testing.T) {
	a, err := New(config.Default().Access.Policies)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	operator := domain.Actor{ID: "op", Type: domain.ActorOperator}
	agent := domain.Actor{ID: "agent-1", Type: domain.ActorAgent}
	system := domain.Actor{ID: "system:dispatch", Type: domain.ActorSystem}

	cases := []struct {
		actor domain.Actor
		kind  string
		allow bool
	}{
		{operator, "package.deploy.override_scan_block", true},
		{operator, "dispatch.run", true},
		{agent, "operation.complete", true},
		{agent, "approval.create", true},
		{agent, "approval.approve", false},
		{agent, "work_order.ship", false},
		{system, "dispatch.run", true},
		{system, "agent.restart", false},
	}
	for _, c := range cases {
		err := a.Require(c.actor, c.kind)
		if c.allow && err != nil {
			t.Fatalf("%s %s: expected allow, got %v", c.actor.Type, c.kind, err)
		}
		if !c.allow && !apperr.Is(err, apperr.CodeForbidden) {
			t.Fatalf("%s %s: expected FORBIDDEN, got %v", c.actor.Type, c.kind, err)
		}
	}
}

func TestPrefixPatternAndEmptyActorType(t *testing.T) {
	a, err := New([][]string{{"agent", "agent.*", Execute}, {"operator", "work_order.create", Execute}})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Allowed(domain.Actor{Type: domain.ActorAgent}, "agent.turn", Execute); !ok {
		t.Fatalf("agent.* should match agent.turn")
	}
	if ok, _ := a.Allowed(domain.Actor{Type: domain.ActorAgent}, "agent.turn", Read); ok {
		t.Fatalf("verb must match")
	}
	if err := a.Require(domain.Actor{ID: "legacy"}, "work_order.create"); err != nil {
		t.Fatalf("missing actor type counts as operator: %v", err)
	}
	var none *Authorizer
	if err := none.Require(domain.Actor{Type: domain.ActorAgent}, "work_order.ship"); err != nil {
		t.Fatalf("nil authorizer allows: %v", err)
	}
}

func TestKeysCreateResolveDelete(t *testing.T) {
	keys := NewKeys(testdb.Open(t), governor.Governor{})
	ctx := context.Background()
	key, secret, err := keys.Create(ctx, CreateKeyOptions{ActorID: "agent-7", ActorType: domain.ActorAgent, Name: "ci", Actor: domain.Actor{ID: "op"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(secret, "cc_") || key.KeyHash == secret {
		t.Fatalf("secret must be returned once and stored hashed")
	}
	actor, err := keys.Resolve(ctx, secret)
	if err != nil || actor.ID != "agent-7" || actor.Type != domain.ActorAgent {
		t.Fatalf("resolve: %+v %v", actor, err)
	}
	if _, err := keys.Resolve(ctx, "cc_wrong"); err == nil {
		t.Fatalf("unknown key must not resolve")
	}
	if _, _, err := keys.Create(ctx, CreateKeyOptions{ActorID: "x", ActorType: "robot"}); !apperr.Is(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
	if err := keys.Delete(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := keys.Delete(ctx, key.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
