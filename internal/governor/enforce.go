package governor

import (
	"context"
	"log/slog"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/telemetry"
)

// Phase selects which half of a two-phase approval-gated check runs.
type Phase string

const (
	// PhaseInitiate checks only the typed confirmation.
	PhaseInitiate Phase = "initiate"
	// PhaseExecute also requires an approved approval. It is the default.
	PhaseExecute Phase = "execute"
)

// Input carries what the caller supplied for one check.
type Input struct {
	// TypedConfirmText is what the operator typed; nil when absent.
	TypedConfirmText *string
	// ExpectedConfirmText overrides "CONFIRM" for CONFIRM policies and is the
	// required code for TYPED_CODE policies.
	ExpectedConfirmText string
	Phase               Phase
	// Approval is the approval record matching the guarded transition, if any.
	Approval *domain.Approval
}

// Result is the outcome of one check. A deny is a value, not an error.
type Result struct {
	Allowed   bool           `json:"allowed"`
	ErrorType apperr.Code    `json:"error_type,omitempty" enum:"TYPED_CONFIRM_REQUIRED,POLICY_DENIED,APPROVAL_REQUIRED"`
	Status    int            `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Policy    ActionPolicy   `json:"policy"`
	Details   map[string]any `json:"details,omitempty"`
}

// Err converts a deny into an *apperr.Error carrying the policy. It returns nil when allowed.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	details := map[string]any{
		"action_kind":       r.Policy.Kind,
		"risk_level":        r.Policy.RiskLevel,
		"confirm_mode":      r.Policy.ConfirmMode,
		"requires_approval": r.Policy.RequiresApproval,
		"description":       r.Policy.Description,
	}
	for k, v := range r.Details {
		details[k] = v
	}
	return apperr.New(r.ErrorType, "%s", r.Message).WithDetails(details)
}

// Text is a helper for building Input.TypedConfirmText.
func Text(s string) *string { return &s }

// Enforce validates a requested action against its policy. It is a pure
// decision over its inputs and the static registry.
func Enforce(kind ActionKind, in Input) Result {
	p := GetPolicy(kind)
	res := Result{Allowed: true, Policy: p}

	switch p.ConfirmMode {
	case ConfirmNone:
		return res
	case ConfirmCONFIRM:
		expected := ConfirmText
		if in.ExpectedConfirmText != "" {
			if in.ExpectedConfirmText == ConfirmText {
				return deny(p, apperr.CodePolicyDenied, "override confirmation must differ from CONFIRM", nil)
			}
			expected = in.ExpectedConfirmText
		}
		if in.TypedConfirmText == nil || *in.TypedConfirmText != expected {
			return deny(p, apperr.CodeTypedConfirmRequired, "type "+expected+" to proceed", map[string]any{"expected": expected})
		}
	case ConfirmTypedCode:
		if in.ExpectedConfirmText == "" {
			return deny(p, apperr.CodePolicyDenied, "no confirmation code available for this action", nil)
		}
		if in.TypedConfirmText == nil || *in.TypedConfirmText != in.ExpectedConfirmText {
			return deny(p, apperr.CodeTypedConfirmRequired, "type "+in.ExpectedConfirmText+" to proceed", map[string]any{"expected": in.ExpectedConfirmText})
		}
	default:
		return deny(p, apperr.CodePolicyDenied, "unknown confirmation mode", nil)
	}

	if p.RequiresApproval && in.Phase != PhaseInitiate {
		if in.Approval == nil || in.Approval.Status != domain.ApprovalApproved {
			details := map[string]any{}
			if in.Approval != nil {
				details["approval_id"] = in.Approval.ID
				details["approval_status"] = in.Approval.Status
			}
			return deny(p, apperr.CodeApprovalRequired, "an approved approval is required before this action", details)
		}
	}
	return res
}

func deny(p ActionPolicy, code apperr.Code, msg string, details map[string]any) Result {
	return Result{
		ErrorType: code,
		Status:    code.Status(),
		Message:   msg,
		Policy:    p,
		Details:   details,
	}
}

// Governor wraps Enforce with logging and metrics.
type Governor struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Check runs Enforce and records the decision.
func (g Governor) Check(ctx context.Context, kind ActionKind, in Input) Result {
	res := Enforce(kind, in)
	g.Metrics.Decision(ctx, string(kind), res.Allowed, string(res.ErrorType))
	if g.Logger != nil && !res.Allowed {
		g.Logger.InfoContext(ctx, "action denied", "action_kind", kind, "code", res.ErrorType, "risk", res.Policy.RiskLevel)
	}
	return res
}

// Require runs Check and returns the deny as an error.
func (g Governor) Require(ctx context.Context, kind ActionKind, in Input) error {
	return g.Check(ctx, kind, in).Err()
}
