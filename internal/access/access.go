// Package access decides which actor types may invoke which action kinds.
package access

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
)

// Verbs checked against the policy table.
const (
	Execute = "execute"
	Read    = "read"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && r.act == p.act
`

// Authorizer wraps a casbin enforcer loaded from config policy lines.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an Authorizer. Each policy is {actor_type, action pattern, verb};
// patterns use casbin keyMatch, so "*" and "agent.*" work.
func New(policies [][]string) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("access model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("access enforcer: %w", err)
	}
	if len(policies) > 0 {
		if _, err := e.AddPolicies(policies); err != nil {
			return nil, fmt.Errorf("access policies: %w", err)
		}
	}
	return &Authorizer{enforcer: e}, nil
}

// Allowed reports whether actor may perform verb on the action kind.
func (a *Authorizer) Allowed(actor domain.Actor, kind, verb string) (bool, error) {
	t := actor.Type
	if t == "" {
		t = domain.ActorOperator
	}
	return a.enforcer.Enforce(string(t), kind, verb)
}

// Require returns FORBIDDEN when the actor type may not execute kind.
// A nil Authorizer allows everything.
func (a *Authorizer) Require(actor domain.Actor, kind string) error {
	if a == nil {
		return nil
	}
	ok, err := a.Allowed(actor, kind, Execute)
	if err != nil {
		return apperr.Wrap(apperr.CodeForbidden, err, "access check failed")
	}
	if !ok {
		return apperr.New(apperr.CodeForbidden, "%s actors may not run %s", actorType(actor), kind).
			WithDetails(map[string]any{"action_kind": kind, "actor_type": actorType(actor)})
	}
	return nil
}

func actorType(a domain.Actor) domain.ActorType {
	if a.Type == "" {
		return domain.ActorOperator
	}
	return a.Type
}
