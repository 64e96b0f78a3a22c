// Package ledger owns every job state transition: creation with a resolved policy, exclusive
// claims, attempt-checked results, approval decisions, cancellation, and stall recovery.
// Other components read jobs from the store directly but never write them.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ankittk/jobplane/internal/blob"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/otel"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
	"github.com/google/uuid"
)

// Change kinds delivered to listeners.
const (
	ChangeCreated           = "created"
	ChangeClaimed           = "claimed"
	ChangeRequeued          = "requeued"
	ChangeApprovalRequested = "approvalRequested"
	ChangeSettled           = "settled"
)

// Change describes a committed transition.
type Change struct {
	Kind string
	Job  store.Job
}

// Listener is called synchronously after a transition commits. It must not block.
type Listener func(Change)

// Options configures a Ledger.
type Options struct {
	Defaults models.Policy // cluster defaults; zero value means DefaultPolicy()
	Blobs    *blob.Manager // optional; required for results carrying blobs
	Now      func() time.Time
}

// Ledger applies job transitions on top of a Store.
type Ledger struct {
	store    store.Store
	events   *events.Recorder
	blobs    *blob.Manager
	defaults models.Policy
	now      func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	waiters   map[string][]chan struct{}
}

const maxCASAttempts = 8

// errUnchanged aborts an update without writing.
var errUnchanged = errors.New("unchanged")

// New returns a ledger over st recording events through rec.
func New(st store.Store, rec *events.Recorder, opts Options) *Ledger {
	defaults := opts.Defaults
	if defaults == (models.Policy{}) {
		defaults = DefaultPolicy()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:    st,
		events:   rec,
		blobs:    opts.Blobs,
		defaults: defaults,
		now:      now,
		waiters:  make(map[string][]chan struct{}),
	}
}

// Store returns the underlying store for reads.
func (l *Ledger) Store() store.Store { return l.store }

// Defaults returns the cluster default policy.
func (l *Ledger) Defaults() models.Policy { return l.defaults }

// Subscribe registers fn for every committed transition.
func (l *Ledger) Subscribe(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Ledger) publish(kind string, j store.Job) {
	l.mu.Lock()
	listeners := append([]Listener(nil), l.listeners...)
	var ws []chan struct{}
	if kind == ChangeSettled {
		ws = l.waiters[j.ID]
		delete(l.waiters, j.ID)
	}
	l.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
	for _, fn := range listeners {
		fn(Change{Kind: kind, Job: j})
	}
}

// CreateParams describes a job to create.
type CreateParams struct {
	ClusterID    string
	JobID        string // optional; generated when empty
	Service      string
	Function     string
	Input        json.RawMessage
	CallSite     *models.PolicyOverride
	RunID        string
	InvocationID string
	ExecutionID  string
}

// CreateJob resolves the policy (cluster default, then function config, then call site) and
// persists the job as pending. A job for an existing (run, invocation) pair is returned as is.
func (l *Ledger) CreateJob(ctx context.Context, p CreateParams) (store.Job, bool, error) {
	ctx, span := otel.StartSpan(ctx, "ledger.CreateJob", otel.AttrCluster.String(p.ClusterID), otel.AttrFunction.String(p.Service+"."+p.Function))
	defer span.End()
	if p.ClusterID == "" || p.Service == "" || p.Function == "" {
		return store.Job{}, false, fmt.Errorf("%w: cluster, service and function are required", store.ErrInvalid)
	}
	layers, err := l.functionLayers(ctx, p.ClusterID, p.Service, p.Function)
	if err != nil {
		return store.Job{}, false, err
	}
	if p.CallSite != nil {
		layers = append(layers, *p.CallSite)
	}
	policy, err := Resolve(l.defaults, layers...)
	if err != nil {
		return store.Job{}, false, err
	}
	input := p.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	} else if !json.Valid(input) {
		return store.Job{}, false, fmt.Errorf("%w: input is not valid JSON", store.ErrInvalid)
	}
	now := l.now()
	j := store.Job{
		ID:           p.JobID,
		ClusterID:    p.ClusterID,
		Service:      p.Service,
		Function:     p.Function,
		Input:        input,
		Status:       models.JobStatusPending,
		Policy:       toStorePolicy(policy),
		RunID:        p.RunID,
		InvocationID: p.InvocationID,
		ExecutionID:  p.ExecutionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if policy.ApprovalMode == models.ApprovalPre {
		j.ApprovalRequested = true
		j.ApprovalRequestedAt = &now
	}
	saved, created, err := l.store.CreateJob(ctx, j)
	if err != nil {
		return store.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		return saved, false, nil
	}
	otel.RecordJobOp(ctx, "create", saved.ClusterID, saved.Status)
	l.events.RecordJob(ctx, models.EventJobCreated, saved, map[string]any{"approvalMode": policy.ApprovalMode})
	if saved.ApprovalRequested {
		l.events.RecordJob(ctx, models.EventApprovalRequested, saved, map[string]any{"mode": models.ApprovalPre})
		l.publish(ChangeApprovalRequested, saved)
	}
	l.publish(ChangeCreated, saved)
	return saved, true, nil
}

// functionLayers returns the registered function's policy layer. Workflow handlers are not
// registered as functions and contribute no layer.
func (l *Ledger) functionLayers(ctx context.Context, clusterID, service, function string) ([]models.PolicyOverride, error) {
	def, err := l.store.GetFunction(ctx, clusterID, service, function)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if service == models.WorkflowService {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s.%s", store.ErrUnknownFunction, service, function)
		}
		return nil, err
	}
	if len(def.Config) == 0 {
		return nil, nil
	}
	var cfg models.FunctionConfig
	if err := json.Unmarshal(def.Config, &cfg); err != nil {
		return nil, fmt.Errorf("function %s.%s config: %w", service, function, err)
	}
	return []models.PolicyOverride{cfg.Override()}, nil
}

// Claim atomically hands the oldest claimable job matching targets to machineID and starts a new
// attempt. It returns nil when nothing is claimable.
func (l *Ledger) Claim(ctx context.Context, clusterID, machineID string, targets []string) (*store.Job, error) {
	if machineID == "" {
		return nil, fmt.Errorf("%w: machineId is required", store.ErrInvalid)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	j, err := l.store.ClaimJob(ctx, clusterID, machineID, targets, uuid.NewString(), l.now())
	if err != nil || j == nil {
		return nil, err
	}
	otel.RecordJobOp(ctx, "claim", clusterID, j.Status)
	l.events.RecordJob(ctx, models.EventJobAcknowledged, *j, map[string]any{"attempt": j.AttemptCount})
	l.publish(ChangeClaimed, *j)
	return j, nil
}

// Acknowledge confirms that token is the active attempt of the job.
func (l *Ledger) Acknowledge(ctx context.Context, clusterID, jobID, token string) (store.Job, error) {
	j, err := l.store.GetJob(ctx, clusterID, jobID)
	if err != nil {
		return store.Job{}, err
	}
	if err := checkAttempt(j, token); err != nil {
		return store.Job{}, err
	}
	return j, nil
}

func checkAttempt(j store.Job, token string) error {
	if j.Status == models.JobStatusCancelled {
		return fmt.Errorf("job %s: %w", j.ID, store.ErrJobNoLongerActive)
	}
	if j.Status == models.JobStatusPending && j.AttemptCount == 0 {
		return fmt.Errorf("job %s: %w", j.ID, store.ErrJobNotRunning)
	}
	if j.Status != models.JobStatusRunning || token == "" || token != j.AttemptToken {
		return fmt.Errorf("job %s: %w", j.ID, store.ErrStaleAttempt)
	}
	return nil
}

// update runs fn on a fresh copy of the job and writes it with compare-and-swap, retrying on
// concurrent updates. fn may return errUnchanged to skip the write.
func (l *Ledger) update(ctx context.Context, clusterID, jobID string, fn func(j *store.Job) error) (store.Job, bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		j, err := l.store.GetJob(ctx, clusterID, jobID)
		if err != nil {
			return store.Job{}, false, err
		}
		if err := fn(&j); err != nil {
			if errors.Is(err, errUnchanged) {
				return j, false, nil
			}
			return store.Job{}, false, err
		}
		j.UpdatedAt = l.now()
		updated, err := l.store.UpdateJob(ctx, j)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return store.Job{}, false, err
		}
		return updated, true, nil
	}
	return store.Job{}, false, fmt.Errorf("job %s: %w", jobID, store.ErrConflict)
}

// SubmitParams carries a worker's result for one attempt.
type SubmitParams struct {
	ClusterID    string
	JobID        string
	AttemptToken string
	ResultType   string
	Result       json.RawMessage
	Blobs        []models.BlobInput
}

// SubmitResult records the result of the active attempt. Under post-approval the result is
// withheld and the job parks until a decision.
func (l *Ledger) SubmitResult(ctx context.Context, p SubmitParams) (store.Job, error) {
	ctx, span := otel.StartSpan(ctx, "ledger.SubmitResult", otel.AttrCluster.String(p.ClusterID), otel.AttrJobID.String(p.JobID))
	defer span.End()
	resultType := p.ResultType
	if resultType == "" {
		resultType = models.ResultTypeResolution
	}
	if resultType != models.ResultTypeResolution && resultType != models.ResultTypeRejection {
		return store.Job{}, fmt.Errorf("%w: unknown resultType %q", store.ErrInvalid, p.ResultType)
	}
	if len(p.Result) > 0 && !json.Valid(p.Result) {
		return store.Job{}, fmt.Errorf("%w: result is not valid JSON", store.ErrInvalid)
	}
	current, err := l.store.GetJob(ctx, p.ClusterID, p.JobID)
	if err != nil {
		return store.Job{}, err
	}
	if err := checkSubmittable(current, p.AttemptToken); err != nil {
		return store.Job{}, err
	}
	payload, err := l.buildPayload(ctx, current, p.Result, p.Blobs)
	if err != nil {
		return store.Job{}, err
	}

	var withheld bool
	saved, _, err := l.update(ctx, p.ClusterID, p.JobID, func(j *store.Job) error {
		withheld = false
		if err := checkSubmittable(*j, p.AttemptToken); err != nil {
			return err
		}
		now := l.now()
		j.Result = payload
		j.ResultType = resultType
		if j.Policy.ApprovalMode == models.ApprovalPost && (j.Approved == nil || !*j.Approved) {
			withheld = true
			j.ApprovalRequested = true
			j.Approved = nil
			j.ApprovalRequestedAt = &now
			return nil
		}
		j.Status = models.JobStatusSuccess
		j.AttemptToken = ""
		j.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return store.Job{}, err
	}
	if withheld {
		otel.RecordJobOp(ctx, "withhold", saved.ClusterID, saved.Status)
		l.events.RecordJob(ctx, models.EventApprovalRequested, saved, map[string]any{"mode": models.ApprovalPost})
		l.publish(ChangeApprovalRequested, saved)
		return saved, nil
	}
	otel.RecordJobOp(ctx, "result", saved.ClusterID, saved.Status)
	l.events.RecordJob(ctx, models.EventJobResulted, saved, map[string]any{"resultType": resultType, "attempt": saved.AttemptCount})
	l.publish(ChangeSettled, saved)
	return saved, nil
}

func checkSubmittable(j store.Job, token string) error {
	if err := checkAttempt(j, token); err != nil {
		return err
	}
	if j.Result != nil && j.ApprovalRequested {
		// A withheld result is already recorded for this attempt.
		return fmt.Errorf("job %s: %w", j.ID, store.ErrStaleAttempt)
	}
	return nil
}

type blobPayload struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Blobs []blob.Ref      `json:"blobs"`
}

type privatePayload struct {
	Private bool     `json:"private"`
	Blob    blob.Ref `json:"blob"`
}

// buildPayload stores attached blobs and returns the result to persist on the job. Results of
// private functions are moved to a blob and only the reference is kept on the job.
func (l *Ledger) buildPayload(ctx context.Context, j store.Job, result json.RawMessage, blobs []models.BlobInput) (json.RawMessage, error) {
	if len(blobs) == 0 && !j.Policy.Private {
		if len(result) == 0 {
			return json.RawMessage(`null`), nil
		}
		return result, nil
	}
	if l.blobs == nil {
		return nil, fmt.Errorf("%w: blob storage is not configured", store.ErrInvalid)
	}
	out := result
	if len(blobs) > 0 {
		refs := make([]blob.Ref, 0, len(blobs))
		for _, b := range blobs {
			ref, err := l.blobs.Save(ctx, j.ClusterID, j.ID, j.RunID, b.Name, b.Type, b.Data)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		wrapped, err := json.Marshal(blobPayload{Data: result, Blobs: refs})
		if err != nil {
			return nil, err
		}
		out = wrapped
	}
	if j.Policy.Private {
		if len(out) == 0 {
			out = json.RawMessage(`null`)
		}
		ref, err := l.blobs.Save(ctx, j.ClusterID, j.ID, j.RunID, "result.json", "application/json", out)
		if err != nil {
			return nil, err
		}
		return json.Marshal(privatePayload{Private: true, Blob: ref})
	}
	return out, nil
}

// RequestApproval parks the running attempt until a decision. Repeated requests and requests on
// an already approved job leave the job unchanged.
func (l *Ledger) RequestApproval(ctx context.Context, clusterID, jobID, token string) (store.Job, error) {
	saved, changed, err := l.update(ctx, clusterID, jobID, func(j *store.Job) error {
		if err := checkAttempt(*j, token); err != nil {
			return err
		}
		if j.Approved != nil || j.ApprovalRequested {
			return errUnchanged
		}
		now := l.now()
		j.ApprovalRequested = true
		j.ApprovalRequestedAt = &now
		return nil
	})
	if err != nil || !changed {
		return saved, err
	}
	otel.RecordJobOp(ctx, "requestApproval", clusterID, saved.Status)
	l.events.RecordJob(ctx, models.EventApprovalRequested, saved, map[string]any{"mode": "runtime"})
	l.publish(ChangeApprovalRequested, saved)
	return saved, nil
}

// Decide resolves a pending approval. A grant releases a withheld result, requeues an attempt that
// asked for approval mid-execution, or makes a pre-approval job claimable. A denial fails the job
// with ApprovalDenied and discards any withheld result.
func (l *Ledger) Decide(ctx context.Context, clusterID, jobID string, approved bool) (store.Job, error) {
	ctx, span := otel.StartSpan(ctx, "ledger.Decide", otel.AttrCluster.String(clusterID), otel.AttrJobID.String(jobID))
	defer span.End()
	var kind string
	saved, _, err := l.update(ctx, clusterID, jobID, func(j *store.Job) error {
		kind = ChangeSettled
		if j.Status == models.JobStatusCancelled {
			return fmt.Errorf("job %s: %w", j.ID, store.ErrJobNoLongerActive)
		}
		if !j.AwaitingApproval() || j.Terminal() {
			return fmt.Errorf("job %s: %w", j.ID, store.ErrApprovalNotPending)
		}
		now := l.now()
		decision := approved
		j.Approved = &decision
		if !approved {
			j.Status = models.JobStatusFailure
			j.FailureReason = models.ReasonApprovalDenied
			j.Result = nil
			j.ResultType = ""
			j.AttemptToken = ""
			j.ResolvedAt = &now
			return nil
		}
		switch {
		case j.Status == models.JobStatusRunning && j.Result != nil:
			j.Status = models.JobStatusSuccess
			j.AttemptToken = ""
			j.ResolvedAt = &now
		case j.Status == models.JobStatusRunning:
			// The handler asked mid-execution; it runs again with approved=true and the
			// paused attempt does not count against the stall budget.
			kind = ChangeRequeued
			j.Status = models.JobStatusPending
			j.AttemptToken = ""
			j.MachineID = ""
			if j.AttemptCount > 0 {
				j.AttemptCount--
			}
		default:
			kind = ChangeRequeued
		}
		return nil
	})
	if err != nil {
		return store.Job{}, err
	}
	if !approved {
		otel.RecordJobOp(ctx, "deny", clusterID, saved.Status)
		l.events.RecordJob(ctx, models.EventApprovalDenied, saved, nil)
		l.publish(ChangeSettled, saved)
		return saved, nil
	}
	otel.RecordJobOp(ctx, "approve", clusterID, saved.Status)
	l.events.RecordJob(ctx, models.EventApprovalGranted, saved, nil)
	if kind == ChangeSettled {
		l.events.RecordJob(ctx, models.EventJobResulted, saved, map[string]any{"resultType": saved.ResultType, "attempt": saved.AttemptCount})
	}
	l.publish(kind, saved)
	return saved, nil
}

// Cancel moves a non-terminal job to cancelled. Later submissions for it fail with
// ErrJobNoLongerActive. Terminal jobs are returned unchanged.
func (l *Ledger) Cancel(ctx context.Context, clusterID, jobID string) (store.Job, error) {
	saved, changed, err := l.update(ctx, clusterID, jobID, func(j *store.Job) error {
		if j.Terminal() {
			return errUnchanged
		}
		now := l.now()
		j.Status = models.JobStatusCancelled
		j.FailureReason = models.ReasonCancelled
		j.AttemptToken = ""
		j.ResolvedAt = &now
		return nil
	})
	if err != nil || !changed {
		return saved, err
	}
	otel.RecordJobOp(ctx, "cancel", clusterID, saved.Status)
	l.publish(ChangeSettled, saved)
	return saved, nil
}

// CancelJobs cancels every non-terminal job matching f and returns how many were cancelled.
func (l *Ledger) CancelJobs(ctx context.Context, f store.JobFilter) (int, error) {
	jobs, err := l.store.ListJobs(ctx, f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Terminal() {
			continue
		}
		saved, err := l.Cancel(ctx, j.ClusterID, j.ID)
		if err != nil {
			return n, err
		}
		if saved.Status == models.JobStatusCancelled {
			n++
		}
	}
	return n, nil
}

// RecoverStalled abandons every overdue attempt at now. Each stalled job is requeued while its
// attempt count is within the retry budget, otherwise it fails with stall-exhaustion.
// Returns the number of stalled attempts handled.
func (l *Ledger) RecoverStalled(ctx context.Context, limit int) (int, error) {
	now := l.now()
	overdue, err := l.store.ListOverdueJobs(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range overdue {
		stalled := o
		var recovered bool
		saved, changed, err := l.update(ctx, o.ClusterID, o.ID, func(j *store.Job) error {
			recovered = false
			if j.Status != models.JobStatusRunning || j.AttemptToken != o.AttemptToken || j.AwaitingApproval() {
				return errUnchanged
			}
			stalled = *j
			if j.AttemptCount <= j.Policy.RetryCountOnStall {
				recovered = true
				j.Status = models.JobStatusPending
			} else {
				j.Status = models.JobStatusFailure
				j.FailureReason = models.ReasonStallExhaustion
				j.ResolvedAt = &now
			}
			j.AttemptToken = ""
			j.MachineID = ""
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("recover job %s: %w", o.ID, err)
		}
		if !changed {
			continue
		}
		n++
		l.events.RecordJob(ctx, models.EventJobStalled, stalled, map[string]any{
			"reason":            "timeout",
			"attempt":           stalled.AttemptCount,
			"attemptsRemaining": max(stalled.Policy.RetryCountOnStall-stalled.AttemptCount+1, 0),
		})
		if recovered {
			otel.RecordStall(ctx, saved.ClusterID, "recovered")
			l.events.RecordJob(ctx, models.EventJobRecovered, saved, nil)
			l.publish(ChangeRequeued, saved)
			continue
		}
		otel.RecordStall(ctx, saved.ClusterID, "exhausted")
		l.events.RecordJob(ctx, models.EventJobStalledTooManyTimes, saved, map[string]any{"reason": models.ReasonStallExhaustion})
		l.publish(ChangeSettled, saved)
	}
	return n, nil
}

// WaitTerminal returns the job once it is terminal or when wait elapses, whichever comes first.
func (l *Ledger) WaitTerminal(ctx context.Context, clusterID, jobID string, wait time.Duration) (store.Job, error) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.waiters[jobID] = append(l.waiters[jobID], ch)
	l.mu.Unlock()
	defer l.dropWaiter(jobID, ch)

	j, err := l.store.GetJob(ctx, clusterID, jobID)
	if err != nil || j.Terminal() || wait <= 0 {
		return j, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return store.Job{}, ctx.Err()
	}
	return l.store.GetJob(ctx, clusterID, jobID)
}

func (l *Ledger) dropWaiter(jobID string, ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws := l.waiters[jobID]
	for i, w := range ws {
		if w == ch {
			l.waiters[jobID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(l.waiters[jobID]) == 0 {
		delete(l.waiters, jobID)
	}
}
