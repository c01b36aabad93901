package domain

// WorkOrderState is the lifecycle state of a work order.
type WorkOrderState string

const (
	WorkOrderPlanned   WorkOrderState = "planned"
	WorkOrderActive    WorkOrderState = "active"
	WorkOrderBlocked   WorkOrderState = "blocked"
	WorkOrderReview    WorkOrderState = "review"
	WorkOrderDone      WorkOrderState = "done"
	WorkOrderShipped   WorkOrderState = "shipped"
	WorkOrderCancelled WorkOrderState = "cancelled"
)

// OperationStatus is the status of a stage-scoped operation.
type OperationStatus string

const (
	OperationTodo       OperationStatus = "todo"
	OperationInProgress OperationStatus = "in_progress"
	OperationBlocked    OperationStatus = "blocked"
	OperationReview     OperationStatus = "review"
	OperationDone       OperationStatus = "done"
	OperationRework     OperationStatus = "rework"
)

// Block reasons with special handling.
const (
	BlockReasonSecurityVeto = "security_veto"
	BlockReasonEscalated    = "escalated"
	BlockReasonOperator     = "operator_hold"
	BlockReasonCancelled    = "work_order_cancelled"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalType string

const (
	ApprovalRiskyAction    ApprovalType = "risky_action"
	ApprovalScopeChange    ApprovalType = "scope_change"
	ApprovalShipGate       ApprovalType = "ship_gate"
	ApprovalSecurityReview ApprovalType = "security_review"
)

// ValidApprovalType reports whether t is a known approval type.
func ValidApprovalType(t ApprovalType) bool {
	switch t {
	case ApprovalRiskyAction, ApprovalScopeChange, ApprovalShipGate, ApprovalSecurityReview:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentActive  AgentStatus = "active"
	AgentBlocked AgentStatus = "blocked"
	AgentError   AgentStatus = "error"
)

type ReceiptStatus string

const (
	ReceiptRunning   ReceiptStatus = "running"
	ReceiptSucceeded ReceiptStatus = "succeeded"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptAborted   ReceiptStatus = "aborted"
)

// ActorType classifies who performed an action.
type ActorType string

const (
	ActorOperator ActorType = "operator"
	ActorAgent    ActorType = "agent"
	ActorSystem   ActorType = "system"
)

// Actor identifies who is performing an action, for audit attribution.
type Actor struct {
	ID   string    `json:"actor"`
	Type ActorType `json:"actor_type"`
}

// SystemActor is used by scheduled passes.
var SystemActor = Actor{ID: "system:dispatch", Type: ActorSystem}

type WorkOrder struct {
	ID            string         `json:"id"`
	Code          string         `json:"code"`
	Title         string         `json:"title"`
	Goal          string         `json:"goal,omitempty"`
	Priority      int            `json:"priority"`
	State         WorkOrderState `json:"state" enum:"planned,active,blocked,review,done,shipped,cancelled"`
	WorkflowID    string         `json:"workflow_id"`
	CurrentStage  string         `json:"current_stage,omitempty"`
	BlockedReason string         `json:"blocked_reason,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	ShippedAt     *string        `json:"shipped_at,omitempty" format:"date-time"`
}

type Operation struct {
	ID                    string          `json:"id"`
	WorkOrderID           string          `json:"work_order_id"`
	Stage                 string          `json:"stage"`
	StageIndex            int             `json:"stage_index"`
	Key                   string          `json:"key"`
	Title                 string          `json:"title"`
	Station               string          `json:"station"`
	Status                OperationStatus `json:"status" enum:"todo,in_progress,blocked,review,done,rework"`
	AssigneeAgentIDs      []string        `json:"assignee_agent_ids"`
	DependsOnOperationIDs []string        `json:"depends_on_operation_ids"`
	BlockedReason         string          `json:"blocked_reason,omitempty"`
	EscalationReason      string          `json:"escalation_reason,omitempty"`
	Output                string          `json:"output,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	CreatedAt             string          `json:"created_at" format:"date-time"`
	UpdatedAt             string          `json:"updated_at" format:"date-time"`
	CompletedAt           *string         `json:"completed_at,omitempty" format:"date-time"`
}

// IsSecurityVeto reports whether the operation is held by a security veto.
func (o Operation) IsSecurityVeto() bool {
	return o.BlockedReason == BlockReasonSecurityVeto || o.EscalationReason == BlockReasonSecurityVeto
}

type Approval struct {
	ID               string         `json:"id"`
	WorkOrderID      string         `json:"work_order_id"`
	OperationID      string         `json:"operation_id"`
	Type             ApprovalType   `json:"type" enum:"risky_action,scope_change,ship_gate,security_review"`
	Status           ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	QuestionMD       string         `json:"question_md"`
	RequestedBy      string         `json:"requested_by"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	DecidedAt        *string        `json:"decided_at,omitempty" format:"date-time"`
	ResumeSuppressed bool           `json:"resume_suppressed"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Status             AgentStatus `json:"status" enum:"idle,active,blocked,error"`
	WIPLimit           int         `json:"wip_limit"`
	Capabilities       []string    `json:"capabilities"`
	CurrentWorkOrderID string      `json:"current_work_order_id,omitempty"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// Capacity is the agent's WIP limit; unset limits mean one operation at a time.
func (a Agent) Capacity() int {
	if a.WIPLimit <= 0 {
		return 1
	}
	return a.WIPLimit
}

// HasCapability reports whether the agent can work the given station.
func (a Agent) HasCapability(station string) bool {
	if station == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == station || c == "*" {
			return true
		}
	}
	return false
}

type Receipt struct {
	ID          string        `json:"id"`
	ActionKind  string        `json:"action_kind"`
	CommandName string        `json:"command_name"`
	ActorID     string        `json:"actor_id"`
	TargetKind  string        `json:"target_kind,omitempty"`
	TargetID    string        `json:"target_id,omitempty"`
	Status      ReceiptStatus `json:"status" enum:"running,succeeded,failed,aborted"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	StartedAt   string        `json:"started_at" format:"date-time"`
	EndedAt     *string       `json:"ended_at,omitempty" format:"date-time"`
}

// Finalized reports whether the receipt has been closed.
func (r Receipt) Finalized() bool {
	return r.Status != ReceiptRunning
}

type Activity struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ActionKind string `json:"action_kind,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	ActorType  string `json:"actor_type"`
	Payload    string `json:"payload_json"`
}

type Session struct {
	Key         string `json:"key"`
	AgentID     string `json:"agent_id"`
	WorkOrderID string `json:"work_order_id"`
	OperationID string `json:"operation_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	LastUsedAt  string `json:"last_used_at" format:"date-time"`
}

type Package struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	BlockedByScan bool    `json:"blocked_by_scan"`
	ScanFindings  string  `json:"scan_findings,omitempty"`
	DeployedAt    *string `json:"deployed_at,omitempty" format:"date-time"`
	DeployedBy    string  `json:"deployed_by,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Lease struct {
	Name       string `json:"name"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	ActorType ActorType `json:"actor_type"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}
