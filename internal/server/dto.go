package server

import (
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
)

// Request payloads

type EnforceRequest struct {
	ActionKind          string  `json:"action_kind"`
	TypedConfirmText    *string `json:"typed_confirm_text,omitempty"`
	ExpectedConfirmText string  `json:"expected_confirm_text,omitempty"`
	Phase               string  `json:"phase,omitempty" enum:"initiate,execute"`
	ApprovalID          string  `json:"approval_id,omitempty"`
}

type CreateWorkOrderRequest struct {
	Title      string `json:"title"`
	Goal       string `json:"goal,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	WorkflowID string `json:"workflow_id"`
}

type UpdateWorkOrderRequest struct {
	Title    *string `json:"title,omitempty"`
	Goal     *string `json:"goal,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	// State is accepted so the request can be rejected with MANAGER_CONTROLLED_STATE.
	State *string `json:"state,omitempty"`
}

type ConfirmRequest struct {
	TypedConfirmText *string `json:"typed_confirm_text,omitempty"`
}

// typed returns the confirmation text, nil when the request had no body.
func (r *ConfirmRequest) typed() *string {
	if r == nil {
		return nil
	}
	return r.TypedConfirmText
}

type BlockWorkOrderRequest struct {
	Reason string `json:"reason"`
}

type ReworkRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (r *ReworkRequest) notes() string {
	if r == nil {
		return ""
	}
	return r.Notes
}

type UpdateOperationRequest struct {
	Title         *string `json:"title,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	BlockedReason *string `json:"blocked_reason,omitempty"`
	Status        *string `json:"status,omitempty"`
}

type CompleteOperationRequest struct {
	Status      string `json:"status" enum:"done,review,rework,blocked"`
	Output      string `json:"output,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
	QuestionMD  string `json:"question_md,omitempty"`
}

type ReviewOperationRequest struct {
	Accepted bool `json:"accepted"`
}

type AssignOperationRequest struct {
	AgentID string `json:"agent_id"`
}

type DispatchRequest struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

type CreateApprovalRequest struct {
	WorkOrderID string `json:"work_order_id"`
	OperationID string `json:"operation_id,omitempty"`
	Type        string `json:"type" enum:"risky_action,scope_change,ship_gate,security_review"`
	QuestionMD  string `json:"question_md"`
}

type DecideApprovalRequest struct {
	Status string `json:"status" enum:"approved,rejected"`
}

type CreateAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	WIPLimit     int      `json:"wip_limit,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type UpdateAgentRequest struct {
	Name         *string  `json:"name,omitempty"`
	WIPLimit     *int     `json:"wip_limit,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type TurnRequest struct {
	Message string `json:"message"`
}

type CreatePackageRequest struct {
	Name             string  `json:"name"`
	Version          string  `json:"version"`
	BlockedByScan    bool    `json:"blocked_by_scan,omitempty"`
	ScanFindings     string  `json:"scan_findings,omitempty"`
	TypedConfirmText *string `json:"typed_confirm_text,omitempty"`
}

type DeployPackageRequest struct {
	TypedConfirmText    *string `json:"typed_confirm_text,omitempty"`
	OverrideScanBlock   bool    `json:"override_scan_block,omitempty"`
	OverrideConfirmText *string `json:"override_confirm_text,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty" enum:"operator,agent,system"`
	Name      string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty" enum:"operator,agent,system"`
}

// Response payloads

type WorkOrderDetail struct {
	WorkOrder  domain.WorkOrder   `json:"work_order"`
	Operations []domain.Operation `json:"operations"`
}

type TransitionsResponse struct {
	Entity string   `json:"entity"`
	State  string   `json:"state"`
	Next   []string `json:"next"`
}

type StatusResponse struct {
	Runtime         any            `json:"runtime"`
	WorkOrderCounts map[string]int `json:"work_order_counts"`
}

type AcceptReviewResponse struct {
	WorkOrder domain.WorkOrder `json:"work_order"`
	ShipGate  domain.Approval  `json:"ship_gate"`
}

type ReworkResponse struct {
	WorkOrder domain.WorkOrder `json:"work_order"`
	Operation domain.Operation `json:"operation"`
}

type AgentActionResponse struct {
	Agent   domain.Agent   `json:"agent"`
	Receipt domain.Receipt `json:"receipt"`
}

type PackageDeployResponse struct {
	Package domain.Package `json:"package"`
	Receipt domain.Receipt `json:"receipt"`
}

type APIKeyCreatedResponse struct {
	Key domain.APIKey `json:"key"`
	// Secret is shown once.
	Secret string `json:"secret"`
}

type WhoAmIResponse struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
	Source    string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// TurnChunk is one streamed piece of an agent reply.
type TurnChunk struct {
	ReceiptID string `json:"receipt_id"`
	Text      string `json:"text"`
}

// TurnDone closes a turn stream with its finalized receipt.
type TurnDone struct {
	Receipt domain.Receipt `json:"receipt"`
}

type paginatedActivities struct {
	Items      []domain.Activity `json:"items"`
	NextBefore int64             `json:"next_before,omitempty"`
}

type policiesResponse struct {
	Items []governor.ActionPolicy `json:"items"`
}
