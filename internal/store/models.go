// Package store defines the persistence interface and shared models for jobs, runs, messages,
// events, functions, workflows, run configs, and blobs.
package store

import (
	"encoding/json"
	"time"
)

// Policy is the execution policy snapshot stored on a job.
type Policy struct {
	TimeoutSeconds    int
	RetryCountOnStall int
	ApprovalMode      string
	NonRecoverable    bool
	Private           bool
}

// Job is one durable invocation of a function. Version increments on every write and is the
// compare-and-swap token for UpdateJob.
type Job struct {
	ID                  string
	ClusterID           string
	Service             string
	Function            string
	Input               json.RawMessage
	Status              string
	FailureReason       string
	Result              json.RawMessage
	ResultType          string
	ApprovalRequested   bool
	Approved            *bool
	AttemptCount        int
	AttemptToken        string // active attempt; empty when no attempt is active
	MachineID           string
	Policy              Policy
	RunID               string
	InvocationID        string
	ExecutionID         string
	Version             int64
	CreatedAt           time.Time
	AcknowledgedAt      *time.Time
	ApprovalRequestedAt *time.Time
	ResolvedAt          *time.Time
	UpdatedAt           time.Time
}

// Target is the qualified "service.function" name used for dispatch matching.
func (j Job) Target() string { return j.Service + "." + j.Function }

// AwaitingApproval reports whether the job is parked on an undecided approval request.
func (j Job) AwaitingApproval() bool { return j.ApprovalRequested && j.Approved == nil }

// ApprovalState returns none, requested, approved, or denied.
func (j Job) ApprovalState() string {
	switch {
	case j.Approved != nil && *j.Approved:
		return "approved"
	case j.Approved != nil:
		return "denied"
	case j.ApprovalRequested:
		return "requested"
	}
	return "none"
}

// Terminal reports whether the job reached a final status.
func (j Job) Terminal() bool {
	switch j.Status {
	case "success", "failure", "cancelled":
		return true
	}
	return false
}

// JobFilter narrows ListJobs. Empty fields are ignored.
type JobFilter struct {
	ClusterID   string
	Status      string
	RunID       string
	ExecutionID string
	Service     string
	// AwaitingApproval keeps only live jobs parked on an undecided approval request.
	AwaitingApproval bool
	Limit            int
}

// FunctionDef is a registered function definition.
type FunctionDef struct {
	ClusterID   string
	Service     string
	Name        string
	Description string
	Schema      json.RawMessage
	Config      json.RawMessage // models.FunctionConfig
	UpdatedAt   time.Time
}

// MachineService records that a machine advertised (or polled for) a service.
type MachineService struct {
	ClusterID  string
	MachineID  string
	Service    string
	LastSeenAt time.Time
}

// Run is an agentic session.
type Run struct {
	ID                string
	ClusterID         string
	Name              string
	Status            string
	FailureReason     string
	FailureDetail     string
	SystemPrompt      string
	AttachedFunctions []string
	ResultSchema      json.RawMessage
	InputSchema       json.RawMessage
	Input             json.RawMessage
	Result            json.RawMessage
	RunConfigID       string
	RunConfigVersion  int
	ExecutionID       string
	FeedbackScore     *float64
	Step              int
	SchemaRetries     int
	ModelFailures     int
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ClusterID   string
	Statuses    []string
	ExecutionID string
	Limit       int
}

// Message is a persisted run message; Data is the JSON payload for Type.
type Message struct {
	ID           string
	ClusterID    string
	RunID        string
	Seq          int64
	Type         string
	InvocationID string // set for invocation results, unique per run
	Data         json.RawMessage
	CreatedAt    time.Time
}

// Event is one append-only timeline record.
type Event struct {
	ID          string
	Seq         int64
	ClusterID   string
	Type        string
	JobID       string
	RunID       string
	ExecutionID string
	MachineID   string
	Service     string
	Function    string
	Meta        json.RawMessage
	CreatedAt   time.Time
}

// EventFilter selects events. Events match when any of JobIDs, RunIDs, or ExecutionID match;
// with none set every event of the cluster matches.
type EventFilter struct {
	ClusterID   string
	JobIDs      []string
	RunIDs      []string
	ExecutionID string
	AfterSeq    int64
	Limit       int
}

// Workflow is a registered workflow version.
type Workflow struct {
	ClusterID string
	Name      string
	Version   int
	CreatedAt time.Time
}

// WorkflowExecution is one externally keyed execution of a workflow version.
type WorkflowExecution struct {
	ID           string
	ClusterID    string
	WorkflowName string
	Version      int
	JobID        string
	Input        json.RawMessage
	CreatedAt    time.Time
}

// RunConfig is a named prompt/schema bundle; Version increments on every upsert.
type RunConfig struct {
	ID                string
	ClusterID         string
	Name              string
	SystemPrompt      string
	InitialPrompt     string
	AttachedFunctions []string
	ResultSchema      json.RawMessage
	InputSchema       json.RawMessage
	Version           int
	UpdatedAt         time.Time
}

// Blob is blob metadata. Data is set only for blobs stored inline in the ledger.
type Blob struct {
	ID        string
	ClusterID string
	JobID     string
	RunID     string
	Name      string
	Type      string
	Size      int64
	Backend   string // "ledger" or "minio"
	Data      []byte
	CreatedAt time.Time
}
