package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations and by the ledger operations built on them.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("concurrent update")
	ErrDuplicate = errors.New("duplicate")

	ErrStaleAttempt       = errors.New("stale attempt")
	ErrJobNoLongerActive  = errors.New("job no longer active")
	ErrJobNotRunning      = errors.New("job not running")
	ErrApprovalNotPending = errors.New("approval not pending")
	ErrRunNotActive       = errors.New("run not active")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrInvalid            = errors.New("invalid request")
)

// AwaitingApprovalCond is the SQL condition behind JobFilter.AwaitingApproval; it is valid for
// both backends.
const AwaitingApprovalCond = `approval_requested = 1 AND approved IS NULL AND status IN ('pending', 'running')`

// Store is the persistence interface for the ledger.
// Implementations: the SQLite store in this package and *postgres.Store (PostgreSQL).
type Store interface {
	// Jobs
	// CreateJob inserts a job. When j carries a RunID and InvocationID that already exist, or its
	// ID is already taken in the cluster, the existing job is returned with created=false. An ID
	// taken in another cluster is ErrDuplicate.
	CreateJob(ctx context.Context, j Job) (job Job, created bool, err error)
	GetJob(ctx context.Context, clusterID, jobID string) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	// ClaimJob atomically moves the oldest claimable pending job whose target is in targets to
	// running, assigns the attempt token and machine, and increments the attempt count.
	// Returns nil when nothing is claimable.
	ClaimJob(ctx context.Context, clusterID, machineID string, targets []string, token string, now time.Time) (*Job, error)
	// UpdateJob writes j if the stored version still equals j.Version; ErrConflict otherwise.
	UpdateJob(ctx context.Context, j Job) (Job, error)
	// ListOverdueJobs returns running jobs whose attempt exceeded its timeout at now, excluding
	// jobs parked on an undecided approval.
	ListOverdueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)

	// Functions and machines
	UpsertFunction(ctx context.Context, f FunctionDef) error
	GetFunction(ctx context.Context, clusterID, service, name string) (FunctionDef, error)
	ListFunctions(ctx context.Context, clusterID string) ([]FunctionDef, error)
	TouchMachine(ctx context.Context, clusterID, machineID string, services []string, now time.Time) error
	ListMachineServices(ctx context.Context, clusterID string, since time.Time) ([]MachineService, error)

	// Runs and messages
	CreateRun(ctx context.Context, r Run) (Run, error)
	GetRun(ctx context.Context, clusterID, runID string) (Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
	// UpdateRun is a compare-and-swap on Version like UpdateJob.
	UpdateRun(ctx context.Context, r Run) (Run, error)
	DeleteRun(ctx context.Context, clusterID, runID string) error
	// AppendMessage returns ErrDuplicate when a result for the same invocation already exists.
	AppendMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, clusterID, runID string) ([]Message, error)

	// Events
	AppendEvent(ctx context.Context, e Event) (Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)

	// Workflows
	UpsertWorkflow(ctx context.Context, w Workflow) error
	LatestWorkflow(ctx context.Context, clusterID, name string) (Workflow, error)
	// CreateExecution inserts e unless an execution with the same id exists; the stored
	// execution is returned either way.
	CreateExecution(ctx context.Context, e WorkflowExecution) (exec WorkflowExecution, created bool, err error)
	GetExecution(ctx context.Context, clusterID, workflowName, executionID string) (WorkflowExecution, error)
	ListExecutions(ctx context.Context, clusterID, workflowName string, limit int) ([]WorkflowExecution, error)
	DeleteExecution(ctx context.Context, clusterID, workflowName, executionID string) error

	// Run configs
	UpsertRunConfig(ctx context.Context, c RunConfig) (RunConfig, error)
	GetRunConfig(ctx context.Context, clusterID, id string) (RunConfig, error)
	ListRunConfigs(ctx context.Context, clusterID string) ([]RunConfig, error)
	DeleteRunConfig(ctx context.Context, clusterID, id string) error

	// Blobs
	CreateBlob(ctx context.Context, b Blob) error
	GetBlob(ctx context.Context, clusterID, id string) (Blob, error)
	ListBlobs(ctx context.Context, clusterID, jobID string) ([]Blob, error)

	// Lifecycle
	Close() error
}
