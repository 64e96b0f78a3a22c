package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/blob"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := &fakeClock{t: time.Now().Truncate(time.Millisecond)}
	l := New(st, events.NewRecorder(st, nil), Options{
		Blobs: blob.NewManager(st, nil, 0),
		Now:   clock.Now,
	})
	return l, st, clock
}

func registerFunction(t *testing.T, st store.Store, service, name string, cfg models.FunctionConfig) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFunction(context.Background(), store.FunctionDef{ClusterID: "c1", Service: service, Name: name, Config: b, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertFunction: %v", err)
	}
}

func intPtr(v int) *int { return &v }

func countEvents(t *testing.T, st store.Store, jobID, typ string) int {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), store.EventFilter{ClusterID: "c1", JobIDs: []string{jobID}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()
	mode := models.ApprovalPost
	p, err := Resolve(DefaultPolicy(),
		models.PolicyOverride{TimeoutSeconds: intPtr(5), RetryCountOnStall: intPtr(2)},
		models.PolicyOverride{TimeoutSeconds: intPtr(9), ApprovalMode: &mode},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.TimeoutSeconds != 9 || p.RetryCountOnStall != 2 || p.ApprovalMode != models.ApprovalPost {
		t.Fatalf("Resolve: %+v", p)
	}
	always := models.ApprovalAlways
	p, err = Resolve(DefaultPolicy(), models.PolicyOverride{ApprovalMode: &always})
	if err != nil || p.ApprovalMode != models.ApprovalPost {
		t.Fatalf("Resolve always: %+v %v", p, err)
	}
	if _, err := Resolve(DefaultPolicy(), models.PolicyOverride{TimeoutSeconds: intPtr(0)}); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("Resolve zero timeout: got %v", err)
	}
	bad := "sometimes"
	if _, err := Resolve(DefaultPolicy(), models.PolicyOverride{ApprovalMode: &bad}); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("Resolve bad mode: got %v", err)
	}
}

func TestCreateJobSnapshotsPolicy(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "billing", "refund", models.FunctionConfig{TimeoutSeconds: intPtr(5), RetryCountOnStall: intPtr(2)})

	j, created, err := l.CreateJob(ctx, CreateParams{
		ClusterID: "c1", Service: "billing", Function: "refund",
		CallSite: &models.PolicyOverride{RetryCountOnStall: intPtr(1)},
	})
	if err != nil || !created {
		t.Fatalf("CreateJob: created=%v err=%v", created, err)
	}
	if j.Status != models.JobStatusPending || j.Policy.TimeoutSeconds != 5 || j.Policy.RetryCountOnStall != 1 {
		t.Fatalf("job: %+v", j)
	}
	// Later changes to the function do not touch existing jobs.
	registerFunction(t, st, "billing", "refund", models.FunctionConfig{TimeoutSeconds: intPtr(60)})
	got, err := st.GetJob(ctx, "c1", j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Policy.TimeoutSeconds != 5 {
		t.Fatalf("policy changed after creation: %+v", got.Policy)
	}
	if n := countEvents(t, st, j.ID, models.EventJobCreated); n != 1 {
		t.Fatalf("jobCreated events: %d", n)
	}

	if _, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "billing", Function: "nope"}); !errors.Is(err, store.ErrUnknownFunction) {
		t.Fatalf("CreateJob unknown: got %v", err)
	}
	if _, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: models.WorkflowService, Function: "onboard.1"}); err != nil {
		t.Fatalf("CreateJob workflow handler: %v", err)
	}
}

func TestCreateJobIdempotentPerInvocation(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "s", "f", models.FunctionConfig{})
	p := CreateParams{ClusterID: "c1", Service: "s", Function: "f", RunID: "r1", InvocationID: "inv-1"}
	first, created, err := l.CreateJob(ctx, p)
	if err != nil || !created {
		t.Fatalf("CreateJob: %v %v", created, err)
	}
	second, created, err := l.CreateJob(ctx, p)
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("CreateJob again: id=%s created=%v err=%v", second.ID, created, err)
	}
	if n := countEvents(t, st, first.ID, models.EventJobCreated); n != 1 {
		t.Fatalf("jobCreated events: %d, want 1", n)
	}
}

func TestStaleAttemptRejected(t *testing.T) {
	t.Parallel()
	l, st, clock := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "s", "f", models.FunctionConfig{TimeoutSeconds: intPtr(5), RetryCountOnStall: intPtr(1)})
	j, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "s", Function: "f"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	first, err := l.Claim(ctx, "c1", "m1", []string{"s.f"})
	if err != nil || first == nil {
		t.Fatalf("Claim: %v %v", first, err)
	}
	if _, err := l.Acknowledge(ctx, "c1", j.ID, first.AttemptToken); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	clock.Advance(6 * time.Second)
	if n, err := l.RecoverStalled(ctx, 0); err != nil || n != 1 {
		t.Fatalf("RecoverStalled: n=%d err=%v", n, err)
	}
	second, err := l.Claim(ctx, "c1", "m2", []string{"s"})
	if err != nil || second == nil || second.AttemptCount != 2 {
		t.Fatalf("re-Claim: %+v %v", second, err)
	}

	_, err = l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: first.AttemptToken, Result: json.RawMessage(`{"v":"old"}`)})
	if !errors.Is(err, store.ErrStaleAttempt) {
		t.Fatalf("stale SubmitResult: got %v", err)
	}
	done, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: second.AttemptToken, Result: json.RawMessage(`{"v":"new"}`)})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if done.Status != models.JobStatusSuccess || string(done.Result) != `{"v":"new"}` {
		t.Fatalf("result: %+v", done)
	}
	// Duplicate submission of the winning attempt is rejected too.
	if _, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: second.AttemptToken}); !errors.Is(err, store.ErrStaleAttempt) {
		t.Fatalf("duplicate SubmitResult: got %v", err)
	}
	if n := countEvents(t, st, j.ID, models.EventJobRecovered); n != 1 {
		t.Fatalf("jobRecovered events: %d", n)
	}
}

func TestStallExhaustion(t *testing.T) {
	t.Parallel()
	l, st, clock := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "s", "slow", models.FunctionConfig{TimeoutSeconds: intPtr(5), RetryCountOnStall: intPtr(2)})
	j, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "s", Function: "slow"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for i := 0; i < 3; i++ {
		claimed, err := l.Claim(ctx, "c1", "m1", []string{"s.slow"})
		if err != nil || claimed == nil {
			t.Fatalf("Claim %d: %v %v", i, claimed, err)
		}
		// Not yet overdue.
		if n, _ := l.RecoverStalled(ctx, 0); n != 0 {
			t.Fatalf("RecoverStalled before timeout: %d", n)
		}
		clock.Advance(5*time.Second + 10*time.Millisecond)
		if n, err := l.RecoverStalled(ctx, 0); err != nil || n != 1 {
			t.Fatalf("RecoverStalled %d: n=%d err=%v", i, n, err)
		}
	}
	got, err := st.GetJob(ctx, "c1", j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusFailure || got.FailureReason != models.ReasonStallExhaustion {
		t.Fatalf("job: status=%s reason=%s", got.Status, got.FailureReason)
	}
	if n := countEvents(t, st, j.ID, models.EventJobAcknowledged); n != 3 {
		t.Fatalf("jobAcknowledged events: %d, want 3", n)
	}
	if n := countEvents(t, st, j.ID, models.EventJobStalledTooManyTimes); n != 1 {
		t.Fatalf("jobStalledTooManyTimes events: %d, want 1", n)
	}
	if claimed, _ := l.Claim(ctx, "c1", "m1", []string{"s.slow"}); claimed != nil {
		t.Fatalf("failed job claimed again: %+v", claimed)
	}
}

func TestApprovalWaitExcludedFromStall(t *testing.T) {
	t.Parallel()
	l, st, clock := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "ops", "deploy", models.FunctionConfig{TimeoutSeconds: intPtr(5)})
	j, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "ops", Function: "deploy"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := l.Claim(ctx, "c1", "m1", []string{"ops.deploy"})
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v %v", claimed, err)
	}
	parked, err := l.RequestApproval(ctx, "c1", j.ID, claimed.AttemptToken)
	if err != nil || !parked.AwaitingApproval() {
		t.Fatalf("RequestApproval: %+v %v", parked, err)
	}
	if _, err := l.RequestApproval(ctx, "c1", j.ID, claimed.AttemptToken); err != nil {
		t.Fatalf("RequestApproval again: %v", err)
	}
	clock.Advance(time.Hour)
	if n, err := l.RecoverStalled(ctx, 0); err != nil || n != 0 {
		t.Fatalf("RecoverStalled during approval wait: n=%d err=%v", n, err)
	}
	granted, err := l.Decide(ctx, "c1", j.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if granted.Status != models.JobStatusPending || granted.AttemptCount != 0 || granted.Approved == nil || !*granted.Approved {
		t.Fatalf("granted: %+v", granted)
	}
	again, err := l.Claim(ctx, "c1", "m1", []string{"ops"})
	if err != nil || again == nil || again.AttemptCount != 1 {
		t.Fatalf("Claim after grant: %+v %v", again, err)
	}
	if _, err := l.Decide(ctx, "c1", j.ID, false); !errors.Is(err, store.ErrApprovalNotPending) {
		t.Fatalf("Decide after grant: got %v", err)
	}
}

func TestPostApprovalDenialDiscardsResult(t *testing.T) {
	t.Parallel()
	l, st, clock := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "crm", "export", models.FunctionConfig{ApprovalMode: "always", TimeoutSeconds: intPtr(5)})
	j, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "crm", Function: "export"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := l.Claim(ctx, "c1", "m1", []string{"crm.export"})
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v %v", claimed, err)
	}
	held, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: claimed.AttemptToken, Result: json.RawMessage(`{"rows":3}`)})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if held.Status != models.JobStatusRunning || !held.AwaitingApproval() {
		t.Fatalf("result not withheld: %+v", held)
	}
	clock.Advance(time.Minute)
	if n, _ := l.RecoverStalled(ctx, 0); n != 0 {
		t.Fatalf("withheld job stalled: %d", n)
	}
	denied, err := l.Decide(ctx, "c1", j.ID, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if denied.Status != models.JobStatusFailure || denied.FailureReason != models.ReasonApprovalDenied || denied.Result != nil {
		t.Fatalf("denied: %+v", denied)
	}
	if n := countEvents(t, st, j.ID, models.EventApprovalDenied); n != 1 {
		t.Fatalf("approvalDenied events: %d", n)
	}
	if _, err := l.Decide(ctx, "c1", j.ID, true); !errors.Is(err, store.ErrApprovalNotPending) {
		t.Fatalf("Decide after denial: got %v", err)
	}
}

func TestPostApprovalGrantReleasesResult(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "crm", "export", models.FunctionConfig{ApprovalMode: models.ApprovalPost})
	j, _, _ := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "crm", Function: "export"})
	claimed, _ := l.Claim(ctx, "c1", "m1", []string{"crm.export"})
	if claimed == nil {
		t.Fatal("Claim: no job")
	}
	if _, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: claimed.AttemptToken, ResultType: models.ResultTypeResolution, Result: json.RawMessage(`{"rows":3}`)}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	var settled []Change
	l.Subscribe(func(c Change) {
		if c.Kind == ChangeSettled {
			settled = append(settled, c)
		}
	})
	done, err := l.Decide(ctx, "c1", j.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if done.Status != models.JobStatusSuccess || string(done.Result) != `{"rows":3}` {
		t.Fatalf("granted: %+v", done)
	}
	if len(settled) != 1 || settled[0].Job.ID != j.ID {
		t.Fatalf("settled changes: %+v", settled)
	}
	if n := countEvents(t, st, j.ID, models.EventJobResulted); n != 1 {
		t.Fatalf("jobResulted events: %d", n)
	}
}

func TestPreApprovalBlocksClaim(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "ops", "drop", models.FunctionConfig{RequiresApproval: true})
	j, _, err := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "ops", Function: "drop"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !j.AwaitingApproval() {
		t.Fatalf("pre-approval job not parked: %+v", j)
	}
	if claimed, _ := l.Claim(ctx, "c1", "m1", []string{"ops"}); claimed != nil {
		t.Fatalf("claimed before approval: %+v", claimed)
	}
	if _, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: "guess"}); !errors.Is(err, store.ErrJobNotRunning) {
		t.Fatalf("SubmitResult before claim: got %v", err)
	}
	if _, err := l.Decide(ctx, "c1", j.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	claimed, err := l.Claim(ctx, "c1", "m1", []string{"ops"})
	if err != nil || claimed == nil || claimed.ID != j.ID {
		t.Fatalf("Claim after approval: %+v %v", claimed, err)
	}
}

func TestCancelledJobRejectsSubmission(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "s", "f", models.FunctionConfig{})
	j, _, _ := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "s", Function: "f", RunID: "r1", InvocationID: "i1"})
	claimed, _ := l.Claim(ctx, "c1", "m1", []string{"s.f"})
	if claimed == nil {
		t.Fatal("Claim: no job")
	}
	n, err := l.CancelJobs(ctx, store.JobFilter{ClusterID: "c1", RunID: "r1"})
	if err != nil || n != 1 {
		t.Fatalf("CancelJobs: n=%d err=%v", n, err)
	}
	_, err = l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: claimed.AttemptToken})
	if !errors.Is(err, store.ErrJobNoLongerActive) {
		t.Fatalf("SubmitResult after cancel: got %v", err)
	}
	if _, err := l.RequestApproval(ctx, "c1", j.ID, claimed.AttemptToken); !errors.Is(err, store.ErrJobNoLongerActive) {
		t.Fatalf("RequestApproval after cancel: got %v", err)
	}
}

func TestPrivateResultStoredAsBlob(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "hr", "salary", models.FunctionConfig{Private: true})
	j, _, _ := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "hr", Function: "salary"})
	claimed, _ := l.Claim(ctx, "c1", "m1", []string{"hr.salary"})
	if claimed == nil {
		t.Fatal("Claim: no job")
	}
	done, err := l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: claimed.AttemptToken, Result: json.RawMessage(`{"salary":100}`)})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	var p privatePayload
	if err := json.Unmarshal(done.Result, &p); err != nil || !p.Private || p.Blob.ID == "" {
		t.Fatalf("private payload: %s (%v)", done.Result, err)
	}
	_, data, err := blob.NewManager(st, nil, 0).Load(ctx, "c1", p.Blob.ID)
	if err != nil || string(data) != `{"salary":100}` {
		t.Fatalf("Load: %s %v", data, err)
	}
}

func TestWaitTerminal(t *testing.T) {
	t.Parallel()
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	registerFunction(t, st, "s", "f", models.FunctionConfig{})
	j, _, _ := l.CreateJob(ctx, CreateParams{ClusterID: "c1", Service: "s", Function: "f"})
	claimed, _ := l.Claim(ctx, "c1", "m1", []string{"s.f"})
	if claimed == nil {
		t.Fatal("Claim: no job")
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = l.SubmitResult(ctx, SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: claimed.AttemptToken, Result: json.RawMessage(`1`)})
	}()
	got, err := l.WaitTerminal(ctx, "c1", j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitTerminal: %v", err)
	}
	if got.Status != models.JobStatusSuccess {
		t.Fatalf("WaitTerminal: status=%s", got.Status)
	}
}
