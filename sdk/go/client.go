package clawsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal ClawControl HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// WorkOrder represents the API work order model (partial).
type WorkOrder struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Title        string `json:"title"`
	State        string `json:"state"`
	WorkflowID   string `json:"workflow_id"`
	CurrentStage string `json:"current_stage,omitempty"`
	Priority     int    `json:"priority"`
}

// Operation represents a stage-scoped unit of work (partial).
type Operation struct {
	ID               string   `json:"id"`
	WorkOrderID      string   `json:"work_order_id"`
	Stage            string   `json:"stage"`
	Key              string   `json:"key"`
	Status           string   `json:"status"`
	AssigneeAgentIDs []string `json:"assignee_agent_ids"`
	BlockedReason    string   `json:"blocked_reason,omitempty"`
}

// WorkOrderDetail is a work order with its operations.
type WorkOrderDetail struct {
	WorkOrder  WorkOrder   `json:"work_order"`
	Operations []Operation `json:"operations"`
}

// Outcome reports how a completion signal was handled.
type Outcome struct {
	Applied    bool      `json:"applied"`
	Noop       bool      `json:"noop"`
	Code       string    `json:"code,omitempty"`
	Operation  Operation `json:"operation"`
	WorkOrder  WorkOrder `json:"work_order"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Advanced   string    `json:"advanced_to,omitempty"`
}

// Approval represents an operator decision request.
type Approval struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	QuestionMD  string `json:"question_md"`
}

// Decision is the result of approving or rejecting.
type Decision struct {
	Approval         Approval `json:"approval"`
	Resumed          bool     `json:"resumed"`
	ResumeSuppressed bool     `json:"resume_suppressed"`
}

// DispatchResult summarises one dispatch pass.
type DispatchResult struct {
	DryRun   bool `json:"dry_run"`
	Scanned  int  `json:"scanned"`
	Assigned []struct {
		WorkOrderCode string `json:"work_order_code"`
		OperationID   string `json:"operation_id"`
		OperationKey  string `json:"operation_key"`
		AgentID       string `json:"agent_id"`
	} `json:"assigned"`
}

// EnforceResult is the governor's answer for one action.
type EnforceResult struct {
	Allowed   bool   `json:"allowed"`
	ErrorType string `json:"error_type,omitempty"`
	Status    int    `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Receipt records a runtime side effect.
type Receipt struct {
	ID         string `json:"id"`
	ActionKind string `json:"action_kind"`
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Activity is one audit trail entry.
type Activity struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ActionKind string `json:"action_kind,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedActivities pages backwards through the audit trail.
type PaginatedActivities struct {
	Items      []Activity `json:"items"`
	NextBefore int64      `json:"next_before,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrder creates a work order from a workflow.
func (c *Client) CreateWorkOrder(ctx context.Context, title, workflowID string) (WorkOrderDetail, error) {
	var resp WorkOrderDetail
	err := c.do(ctx, http.MethodPost, "work-orders", map[string]any{"title": title, "workflow_id": workflowID}, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by code or id.
func (c *Client) GetWorkOrder(ctx context.Context, ref string) (WorkOrderDetail, error) {
	var resp WorkOrderDetail
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// CompleteOperation reports a completion signal. Duplicate signals come back
// with Noop set rather than an error.
func (c *Client) CompleteOperation(ctx context.Context, operationID, status, output string) (Outcome, error) {
	var resp Outcome
	body := map[string]any{"status": status}
	if output != "" {
		body["output"] = output
	}
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(operationID)+"/complete", body, &resp)
	return resp, err
}

// Escalate blocks an operation and asks the operator a question.
func (c *Client) Escalate(ctx context.Context, operationID, reason, question string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(operationID)+"/complete", map[string]any{
		"status":       "blocked",
		"block_reason": reason,
		"question_md":  question,
	}, &resp)
	return resp, err
}

// CreateApproval requests an operator decision.
func (c *Client) CreateApproval(ctx context.Context, workOrderID, operationID, typ, question string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", map[string]any{
		"work_order_id": workOrderID,
		"operation_id":  operationID,
		"type":          typ,
		"question_md":   question,
	}, &resp)
	return resp, err
}

// DecideApproval approves or rejects a pending approval.
func (c *Client) DecideApproval(ctx context.Context, id string, approve bool) (Decision, error) {
	status := "rejected"
	if approve {
		status = "approved"
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(id)+"/decide", map[string]any{"status": status}, &resp)
	return resp, err
}

// RunDispatch runs one dispatch pass.
func (c *Client) RunDispatch(ctx context.Context, dryRun bool) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "dispatch/run", map[string]any{"dry_run": dryRun}, &resp)
	return resp, err
}

// Enforce asks the governor whether an action would be allowed.
func (c *Client) Enforce(ctx context.Context, actionKind string, typedConfirm *string) (EnforceResult, error) {
	body := map[string]any{"action_kind": actionKind}
	if typedConfirm != nil {
		body["typed_confirm_text"] = *typedConfirm
	}
	var resp EnforceResult
	err := c.do(ctx, http.MethodPost, "governor/enforce", body, &resp)
	return resp, err
}

// Activities returns a page of the audit trail, newest first. Pass the
// previous page's NextBefore to continue.
func (c *Client) Activities(ctx context.Context, limit int, before int64) (PaginatedActivities, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	endpoint := "activities"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedActivities
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Turn sends a message to an agent and calls onChunk for every streamed
// piece of the reply. It returns the finalized receipt.
func (c *Client) Turn(ctx context.Context, agentID, message string, onChunk func(text string)) (Receipt, error) {
	resp, err := c.send(ctx, http.MethodPost, "agents/"+url.PathEscape(agentID)+"/turns", map[string]any{"message": message})
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			switch event {
			case "chunk":
				var chunk struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(data, &chunk); err != nil {
					return Receipt{}, err
				}
				if onChunk != nil {
					onChunk(chunk.Text)
				}
			case "done":
				var done struct {
					Receipt Receipt `json:"receipt"`
				}
				if err := json.Unmarshal(data, &done); err != nil {
					return Receipt{}, err
				}
				return done.Receipt, nil
			case "error":
				apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
				var body struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				if json.Unmarshal(data, &body) == nil {
					apiErr.Code, apiErr.Message = body.Code, body.Message
				}
				return Receipt{}, apiErr
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Receipt{}, err
	}
	return Receipt{}, fmt.Errorf("turn stream ended without a done event")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
