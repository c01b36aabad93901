package governor

import (
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
)

// PendingState is the state of a two-phase governed action.
type PendingState string

const (
	PendingRequested PendingState = "requested"
	PendingConfirmed PendingState = "confirmed"
	PendingApproved  PendingState = "approved"
	PendingExecuted  PendingState = "executed"
	PendingDenied    PendingState = "denied"
)

// PendingAction tracks one governed action from request to execution:
// requested -> confirmed -> (approved) -> executed, or denied.
type PendingAction struct {
	Kind     ActionKind
	Expected string
	State    PendingState
	Approval *domain.Approval
	// Last holds the most recent decision.
	Last Result
}

// NewPendingAction starts a pending action. expected is the override or
// typed code passed through to Enforce.
func NewPendingAction(kind ActionKind, expected string) *PendingAction {
	GetPolicy(kind)
	return &PendingAction{Kind: kind, Expected: expected, State: PendingRequested}
}

// Confirm checks the typed confirmation.
func (p *PendingAction) Confirm(typed *string) error {
	if p.State != PendingRequested {
		return p.illegal("confirm")
	}
	p.Last = Enforce(p.Kind, Input{TypedConfirmText: typed, ExpectedConfirmText: p.Expected, Phase: PhaseInitiate})
	if !p.Last.Allowed {
		p.State = PendingDenied
		return p.Last.Err()
	}
	p.State = PendingConfirmed
	if !p.Last.Policy.RequiresApproval {
		p.State = PendingApproved
	}
	return nil
}

// AttachApproval supplies the approval for an approval-gated action.
func (p *PendingAction) AttachApproval(a domain.Approval) error {
	if p.State != PendingConfirmed {
		return p.illegal("attach approval")
	}
	if a.Status != domain.ApprovalApproved {
		p.Last = deny(p.Last.Policy, apperr.CodeApprovalRequired, "approval is "+string(a.Status), map[string]any{"approval_id": a.ID})
		return p.Last.Err()
	}
	p.Approval = &a
	p.State = PendingApproved
	return nil
}

// Ready reports whether Execute will be accepted.
func (p *PendingAction) Ready() bool { return p.State == PendingApproved }

// Execute marks the action executed. The caller applies the effect only when
// Execute returns nil.
func (p *PendingAction) Execute(typed *string) error {
	if p.State == PendingConfirmed {
		p.Last = deny(p.Last.Policy, apperr.CodeApprovalRequired, "an approved approval is required before this action", nil)
		return p.Last.Err()
	}
	if p.State != PendingApproved {
		return p.illegal("execute")
	}
	p.Last = Enforce(p.Kind, Input{TypedConfirmText: typed, ExpectedConfirmText: p.Expected, Phase: PhaseExecute, Approval: p.Approval})
	if !p.Last.Allowed {
		p.State = PendingDenied
		return p.Last.Err()
	}
	p.State = PendingExecuted
	return nil
}

func (p *PendingAction) illegal(step string) error {
	return apperr.New(apperr.CodeInvalidTransition, "cannot %s pending %s action in state %s", step, p.Kind, p.State)
}
