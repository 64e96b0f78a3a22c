// Package models provides shared types for the jobplane HTTP API, the Go client, and the worker SDK.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import (
	"encoding/json"
	"time"
)

// Policy is the immutable execution policy stored on a job at creation time.
type Policy struct {
	TimeoutSeconds    int    `json:"timeoutSeconds"`
	RetryCountOnStall int    `json:"retryCountOnStall"`
	ApprovalMode      string `json:"approvalMode"`
	NonRecoverable    bool   `json:"nonRecoverable,omitempty"`
	Private           bool   `json:"private,omitempty"`
}

// PolicyOverride is a partial policy; nil fields inherit from the layer below.
type PolicyOverride struct {
	TimeoutSeconds    *int    `json:"timeoutSeconds,omitempty"`
	RetryCountOnStall *int    `json:"retryCountOnStall,omitempty"`
	ApprovalMode      *string `json:"approvalMode,omitempty"`
	NonRecoverable    *bool   `json:"nonRecoverable,omitempty"`
	Private           *bool   `json:"private,omitempty"`
}

// FunctionConfig is the policy a machine advertises for one of its functions.
type FunctionConfig struct {
	ApprovalMode      string `json:"approvalMode,omitempty"`
	RequiresApproval  bool   `json:"requiresApproval,omitempty"` // shorthand for approvalMode "pre"
	TimeoutSeconds    *int   `json:"timeoutSeconds,omitempty"`
	RetryCountOnStall *int   `json:"retryCountOnStall,omitempty"`
	NonRecoverable    bool   `json:"nonRecoverable,omitempty"`
	Private           bool   `json:"private,omitempty"`
}

// Override converts the advertised config into a policy layer.
func (c FunctionConfig) Override() PolicyOverride {
	o := PolicyOverride{
		TimeoutSeconds:    c.TimeoutSeconds,
		RetryCountOnStall: c.RetryCountOnStall,
	}
	mode := c.ApprovalMode
	if mode == "" && c.RequiresApproval {
		mode = ApprovalPre
	}
	if mode != "" {
		o.ApprovalMode = &mode
	}
	if c.NonRecoverable {
		v := true
		o.NonRecoverable = &v
	}
	if c.Private {
		v := true
		o.Private = &v
	}
	return o
}

// FunctionDefinition describes a callable function advertised by a machine.
type FunctionDefinition struct {
	Service     string          `json:"service"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Config      FunctionConfig  `json:"config,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// WorkflowDefinition registers a workflow handler version.
type WorkflowDefinition struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	MachineID string               `json:"machineId"`
	Functions []FunctionDefinition `json:"functions,omitempty"`
	Workflows []WorkflowDefinition `json:"workflows,omitempty"`
}

// Machine is liveness bookkeeping for a worker connection.
type Machine struct {
	MachineID  string    `json:"machineId"`
	Services   []string  `json:"services"`
	LastPingAt time.Time `json:"lastPingAt"`
}

// Job is the unit of dispatch.
type Job struct {
	ID                  string          `json:"id"`
	ClusterID           string          `json:"clusterId"`
	Service             string          `json:"service"`
	Function            string          `json:"function"`
	Input               json.RawMessage `json:"input,omitempty"`
	Status              string          `json:"status"`
	FailureReason       string          `json:"failureReason,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	ResultType          string          `json:"resultType,omitempty"`
	ApprovalRequested   bool            `json:"approvalRequested"`
	Approved            *bool           `json:"approved"`
	ApprovalState       string          `json:"approvalState"`
	AttemptCount        int             `json:"attemptCount"`
	AttemptToken        string          `json:"attemptToken,omitempty"`
	MachineID           string          `json:"machineId,omitempty"`
	Policy              Policy          `json:"policy"`
	RunID               string          `json:"runId,omitempty"`
	InvocationID        string          `json:"invocationId,omitempty"`
	ExecutionID         string          `json:"executionId,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	AcknowledgedAt      *time.Time      `json:"acknowledgedAt,omitempty"`
	ApprovalRequestedAt *time.Time      `json:"approvalRequestedAt,omitempty"`
	ResolvedAt          *time.Time      `json:"resolvedAt,omitempty"`
}

// JobDetail is a job with the blobs its result references.
type JobDetail struct {
	Job
	Blobs []Blob `json:"blobs,omitempty"`
}

// CreateJobRequest is the body of POST /jobs (a direct call outside any run).
type CreateJobRequest struct {
	Service  string          `json:"service"`
	Function string          `json:"function"`
	Input    json.RawMessage `json:"input,omitempty"`
	Policy   *PolicyOverride `json:"policy,omitempty"`
}

// PollRequest is the body of POST /jobs/poll. Functions are qualified "service.function" names;
// a bare service name matches every function of that service.
type PollRequest struct {
	MachineID string   `json:"machineId"`
	Functions []string `json:"functions"`
	WaitTime  int      `json:"waitTime,omitempty"` // seconds; zero returns immediately
}

// PollResponse carries at most one claimed job.
type PollResponse struct {
	Job *Job `json:"job"`
}

// BlobInput is a blob attached to a job result.
type BlobInput struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"data"` // base64 in JSON
}

// ResultRequest is the body of POST /jobs/{id}/result.
type ResultRequest struct {
	AttemptToken string          `json:"attemptToken"`
	ResultType   string          `json:"resultType"`
	Result       json.RawMessage `json:"result,omitempty"`
	Blobs        []BlobInput     `json:"blobs,omitempty"`
}

// AckRequest is the body of POST /jobs/{id}/ack.
type AckRequest struct {
	AttemptToken string `json:"attemptToken"`
}

// ApprovalRequest is the body of POST /jobs/{id}/request-approval.
type ApprovalRequest struct {
	AttemptToken string `json:"attemptToken"`
}

// ApprovalDecision is the body of POST /jobs/{id}/approval.
type ApprovalDecision struct {
	Approved bool `json:"approved"`
}

// Blob is an out-of-line result payload owned by a job.
type Blob struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Run is an agentic session that issues jobs as tool calls.
type Run struct {
	ID                  string          `json:"id"`
	ClusterID           string          `json:"clusterId"`
	Name                string          `json:"name,omitempty"`
	Status              string          `json:"status"`
	FailureReason       string          `json:"failureReason,omitempty"`
	FailureDetail       string          `json:"failureDetail,omitempty"`
	SystemPrompt        string          `json:"systemPrompt,omitempty"`
	AttachedFunctions   []string        `json:"attachedFunctions,omitempty"`
	ResultSchema        json.RawMessage `json:"resultSchema,omitempty"`
	InputSchema         json.RawMessage `json:"inputSchema,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	RunConfigID         string          `json:"runConfigId,omitempty"`
	RunConfigVersion    int             `json:"runConfigVersion,omitempty"`
	WorkflowExecutionID string          `json:"workflowExecutionId,omitempty"`
	FeedbackScore       *float64        `json:"feedbackScore,omitempty"`
	Step                int             `json:"step"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	Messages            []Message       `json:"messages,omitempty"`
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	ID                  string          `json:"id,omitempty"`
	Name                string          `json:"name,omitempty"`
	InitialPrompt       string          `json:"initialPrompt,omitempty"`
	SystemPrompt        string          `json:"systemPrompt,omitempty"`
	RunConfigID         string          `json:"runConfigId,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	AttachedFunctions   []string        `json:"attachedFunctions,omitempty"`
	ResultSchema        json.RawMessage `json:"resultSchema,omitempty"`
	InputSchema         json.RawMessage `json:"inputSchema,omitempty"`
	WorkflowExecutionID string          `json:"workflowExecutionId,omitempty"`
}

// HumanMessageRequest is the body of POST /runs/{id}/messages.
type HumanMessageRequest struct {
	Message string `json:"message"`
}

// FeedbackRequest is the body of POST /runs/{id}/feedback.
type FeedbackRequest struct {
	Score float64 `json:"score"`
}

// RunConfig is a named, versioned prompt/schema bundle.
type RunConfig struct {
	ID                string          `json:"id" yaml:"id"`
	Name              string          `json:"name" yaml:"name"`
	SystemPrompt      string          `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	InitialPrompt     string          `json:"initialPrompt,omitempty" yaml:"initialPrompt,omitempty"`
	AttachedFunctions []string        `json:"attachedFunctions,omitempty" yaml:"attachedFunctions,omitempty"`
	ResultSchema      json.RawMessage `json:"resultSchema,omitempty" yaml:"-"`
	InputSchema       json.RawMessage `json:"inputSchema,omitempty" yaml:"-"`
	Version           int             `json:"version" yaml:"-"`
	UpdatedAt         time.Time       `json:"updatedAt,omitempty" yaml:"-"`
}

// Event is one immutable timeline record.
type Event struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	ClusterID   string          `json:"clusterId"`
	Type        string          `json:"type"`
	JobID       string          `json:"jobId,omitempty"`
	RunID       string          `json:"runId,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	MachineID   string          `json:"machineId,omitempty"`
	Service     string          `json:"service,omitempty"`
	Function    string          `json:"function,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TimelineEntry is one item of a merged timeline: exactly one of Event, Message, or Run is set.
type TimelineEntry struct {
	Kind    string    `json:"kind"` // "event", "message", "run"
	At      time.Time `json:"at"`
	Event   *Event    `json:"event,omitempty"`
	Message *Message  `json:"message,omitempty"`
	Run     *Run      `json:"run,omitempty"`
}

// Timeline is the merged view returned by the timeline endpoints.
type Timeline struct {
	Run       *Run               `json:"run,omitempty"`
	Execution *WorkflowExecution `json:"execution,omitempty"`
	Jobs      []Job              `json:"jobs"`
	Runs      []Run              `json:"runs,omitempty"`
	Entries   []TimelineEntry    `json:"entries"`
}

// WorkflowExecution is one idempotent, externally keyed run of a workflow version.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	ClusterID    string          `json:"clusterId"`
	WorkflowName string          `json:"workflowName"`
	Version      int             `json:"version"`
	JobID        string          `json:"jobId"`
	Input        json.RawMessage `json:"input,omitempty"`
	Status       string          `json:"status,omitempty"` // root job status
	CreatedAt    time.Time       `json:"createdAt"`
}

// CreateExecutionRequest is the body of POST /workflows/{name}/executions.
type CreateExecutionRequest struct {
	ExecutionID string          `json:"executionId"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// CreateExecutionResponse reports whether the call created the execution or found it.
type CreateExecutionResponse struct {
	Execution WorkflowExecution `json:"execution"`
	Created   bool              `json:"created"`
}

// ErrorBody is the JSON body of every API error.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
