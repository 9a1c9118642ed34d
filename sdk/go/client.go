package auditflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal auditflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; the server must
	// allow the actor header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents the API instance model.
type Instance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	CurrentNodeID string         `json:"current_node_id"`
	Status        string         `json:"status"`
	Context       map[string]any `json:"context"`
	StartedBy     string         `json:"started_by,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	CompletedAt   string         `json:"completed_at,omitempty"`
}

// Assignment represents a step assignment.
type Assignment struct {
	ID           string   `json:"id"`
	InstanceID   string   `json:"workflow_instance_id"`
	StepID       string   `json:"step_id"`
	Kind         string   `json:"kind"`
	AssignedUser string   `json:"assigned_user_id,omitempty"`
	AssignedRole string   `json:"assigned_role,omitempty"`
	Approvers    []string `json:"approvers,omitempty"`
	ApprovalType string   `json:"approval_type,omitempty"`
	Status       string   `json:"status"`
	Deadline     string   `json:"deadline,omitempty"`
	EscalatedTo  string   `json:"escalated_to,omitempty"`
	CompletedBy  string   `json:"completed_by,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// TimelineEntry is one audit record of an instance.
type TimelineEntry struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	StepID      string         `json:"step_id"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// VoteResult is returned after casting a vote.
type VoteResult struct {
	Vote struct {
		ID         string `json:"id"`
		ApproverID string `json:"approver_id"`
		ActorID    string `json:"actor_id"`
		Decision   string `json:"decision"`
		Comment    string `json:"comment,omitempty"`
	} `json:"vote"`
	Tally struct {
		Resolved bool     `json:"resolved"`
		Outcome  string   `json:"outcome,omitempty"`
		Approved []string `json:"approved"`
		Rejected []string `json:"rejected"`
		Pending  []string `json:"pending"`
	} `json:"tally"`
	Instance Instance `json:"instance"`
}

// StartRequest starts a workflow. Set DefinitionID, or Module to use the
// module's Active definition.
type StartRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	Module       string         `json:"module,omitempty"`
	EntityType   string         `json:"entity_type,omitempty"`
	EntityID     string         `json:"entity_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StartResult carries the created instance. Error is set when the instance
// was created but could not leave its start node.
type StartResult struct {
	Instance Instance `json:"instance"`
	Error    string   `json:"error,omitempty"`
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

// StartInstance starts a workflow for an entity.
func (c *Client) StartInstance(ctx context.Context, req StartRequest) (StartResult, error) {
	var resp StartResult
	err := c.do(ctx, http.MethodPost, "instances", req, &resp)
	return resp, err
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelInstance cancels a running instance.
func (c *Client) CancelInstance(ctx context.Context, id, reason string) (Instance, error) {
	var resp Instance
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%s/cancel", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Timeline returns the audit timeline of an instance, oldest first.
func (c *Client) Timeline(ctx context.Context, instanceID string) ([]TimelineEntry, error) {
	var resp []TimelineEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("instances/%s/timeline", url.PathEscape(instanceID)), nil, &resp)
	return resp, err
}

// Inbox returns the caller's open assignments.
func (c *Client) Inbox(ctx context.Context) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, "me/assignments", nil, &resp)
	return resp, err
}

// CompleteTask completes a process step and returns the advanced instance.
func (c *Client) CompleteTask(ctx context.Context, assignmentID, notes string) (Instance, error) {
	var resp Instance
	body := map[string]any{"notes": notes}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("assignments/%s/complete", url.PathEscape(assignmentID)), body, &resp)
	return resp, err
}

// RejectTask sends a process step back and returns the reopened assignment.
func (c *Client) RejectTask(ctx context.Context, assignmentID, reason string) (Assignment, error) {
	var resp Assignment
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("assignments/%s/reject", url.PathEscape(assignmentID)), body, &resp)
	return resp, err
}

// Vote casts approved or rejected on an approval step.
func (c *Client) Vote(ctx context.Context, assignmentID, decision, comment string) (VoteResult, error) {
	var resp VoteResult
	body := map[string]any{"decision": decision, "comment": comment}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("assignments/%s/votes", url.PathEscape(assignmentID)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
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
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
