package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newJob(id, service, fn string, at time.Time) Job {
	return Job{
		ID: id, ClusterID: "c1", Service: service, Function: fn, Status: "pending",
		Input:     []byte(`{"a":1}`),
		Policy:    Policy{TimeoutSeconds: 5, RetryCountOnStall: 2, ApprovalMode: "none"},
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, created, err := st.CreateJob(ctx, newJob("j1", "billing", "charge", now)); err != nil || !created {
		t.Fatalf("CreateJob j1: created=%v err=%v", created, err)
	}
	if _, _, err := st.CreateJob(ctx, newJob("j2", "billing", "refund", now)); err != nil {
		t.Fatalf("CreateJob j2: %v", err)
	}

	// Oldest first among matching targets.
	claimed, err := st.ClaimJob(ctx, "c1", "m1", []string{"billing"}, "tok-1", now)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed == nil || claimed.ID != "j1" {
		t.Fatalf("ClaimJob: got %+v, want j1", claimed)
	}
	if claimed.Status != "running" || claimed.AttemptToken != "tok-1" || claimed.MachineID != "m1" || claimed.AttemptCount != 1 {
		t.Fatalf("claimed job state: %+v", claimed)
	}
	if claimed.AcknowledgedAt == nil {
		t.Fatal("claimed job should have acknowledged_at")
	}

	// Qualified targets only match their function.
	none, err := st.ClaimJob(ctx, "c1", "m2", []string{"billing.charge"}, "tok-2", now)
	if err != nil {
		t.Fatalf("ClaimJob charge: %v", err)
	}
	if none != nil {
		t.Fatalf("no pending charge job expected, got %s", none.ID)
	}

	// Compare-and-swap update.
	j := *claimed
	j.Status = "success"
	j.ResultType = "resolution"
	j.Result = []byte(`{"ok":true}`)
	j.AttemptToken = ""
	updated, err := st.UpdateJob(ctx, j)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Version != claimed.Version+1 {
		t.Fatalf("version: got %d want %d", updated.Version, claimed.Version+1)
	}
	if _, err := st.UpdateJob(ctx, j); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale UpdateJob: got %v, want ErrConflict", err)
	}
	got, err := st.GetJob(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "success" || string(got.Result) != `{"ok":true}` || got.AttemptToken != "" {
		t.Fatalf("GetJob after update: %+v", got)
	}
	if _, err := st.GetJob(ctx, "c1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob missing: got %v, want ErrNotFound", err)
	}
	if _, err := st.GetJob(ctx, "other", "j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob other cluster: got %v, want ErrNotFound", err)
	}

	counts, err := st.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts["success"] != 1 || counts["pending"] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestCreateJobIdempotentPerInvocation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	j := newJob("j1", "svc", "fn", now)
	j.RunID, j.InvocationID = "r1", "inv-1"
	if _, created, err := st.CreateJob(ctx, j); err != nil || !created {
		t.Fatalf("CreateJob: created=%v err=%v", created, err)
	}
	dup := newJob("j2", "svc", "fn", now)
	dup.RunID, dup.InvocationID = "r1", "inv-1"
	existing, created, err := st.CreateJob(ctx, dup)
	if err != nil {
		t.Fatalf("CreateJob dup: %v", err)
	}
	if created || existing.ID != "j1" {
		t.Fatalf("CreateJob dup: created=%v id=%s, want existing j1", created, existing.ID)
	}
}

func TestCreateJobIdempotentPerID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, created, err := st.CreateJob(ctx, newJob("root", "svc", "fn", now)); err != nil || !created {
		t.Fatalf("CreateJob: created=%v err=%v", created, err)
	}
	existing, created, err := st.CreateJob(ctx, newJob("root", "svc", "other", now))
	if err != nil || created || existing.Function != "fn" {
		t.Fatalf("CreateJob same id: created=%v err=%v job=%+v", created, err, existing)
	}
	other := newJob("root", "svc", "fn", now)
	other.ClusterID = "c2"
	if _, _, err := st.CreateJob(ctx, other); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateJob id taken in another cluster: got %v", err)
	}
}

func TestListJobsAwaitingApproval(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if _, _, err := st.CreateJob(ctx, newJob(fmt.Sprintf("plain-%d", i), "svc", "fn", now)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	gated := newJob("gated", "svc", "fn", now)
	gated.ApprovalRequested = true
	if _, _, err := st.CreateJob(ctx, gated); err != nil {
		t.Fatalf("CreateJob gated: %v", err)
	}
	decided := newJob("decided", "svc", "fn", now)
	decided.ApprovalRequested = true
	yes := true
	decided.Approved = &yes
	if _, _, err := st.CreateJob(ctx, decided); err != nil {
		t.Fatalf("CreateJob decided: %v", err)
	}

	jobs, err := st.ListJobs(ctx, JobFilter{ClusterID: "c1", AwaitingApproval: true, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "gated" {
		t.Fatalf("ListJobs awaiting approval: %+v", jobs)
	}
}

func TestClaimSkipsUnapprovedPreApproval(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	j := newJob("j1", "svc", "fn", now)
	j.ApprovalRequested = true
	j.ApprovalRequestedAt = &now
	if _, _, err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	c, err := st.ClaimJob(ctx, "c1", "m1", []string{"svc"}, "tok", now)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if c != nil {
		t.Fatal("job awaiting approval must not be claimable")
	}
	stored, _ := st.GetJob(ctx, "c1", "j1")
	approved := true
	stored.Approved = &approved
	if _, err := st.UpdateJob(ctx, stored); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	c, err = st.ClaimJob(ctx, "c1", "m1", []string{"svc"}, "tok", now)
	if err != nil || c == nil {
		t.Fatalf("ClaimJob after approval: job=%v err=%v", c, err)
	}
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	const jobs = 10
	for i := 0; i < jobs; i++ {
		if _, _, err := st.CreateJob(ctx, newJob(fmt.Sprintf("j%d", i), "svc", "fn", now)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(machine string) {
			defer wg.Done()
			for {
				j, err := st.ClaimJob(ctx, "c1", machine, []string{"svc.fn"}, machine+"-tok", time.Now())
				if err != nil {
					t.Errorf("ClaimJob: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, ok := seen[j.ID]; ok {
					t.Errorf("job %s claimed by %s and %s", j.ID, prev, machine)
				}
				seen[j.ID] = machine
				mu.Unlock()
			}
		}(fmt.Sprintf("m%d", w))
	}
	wg.Wait()
	if len(seen) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func TestListOverdueJobsExcludesApprovalWait(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	for _, id := range []string{"late", "parked"} {
		if _, _, err := st.CreateJob(ctx, newJob(id, "svc", id, start)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if _, err := st.ClaimJob(ctx, "c1", "m1", []string{"svc." + id}, "tok-"+id, start); err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
	}
	parked, _ := st.GetJob(ctx, "c1", "parked")
	parked.ApprovalRequested = true
	parked.ApprovalRequestedAt = &start
	if _, err := st.UpdateJob(ctx, parked); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	overdue, err := st.ListOverdueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListOverdueJobs: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != "late" {
		t.Fatalf("ListOverdueJobs: got %v, want [late]", overdue)
	}
}

func TestMessagesAndEvents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := st.CreateRun(ctx, Run{ID: "r1", ClusterID: "c1", Status: "pending", AttachedFunctions: []string{"a_b"}, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := st.CreateRun(ctx, Run{ID: "r1", ClusterID: "c1", Status: "pending", CreatedAt: now, UpdatedAt: now}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateRun duplicate: got %v", err)
	}
	r, err := st.GetRun(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(r.AttachedFunctions) != 1 || r.AttachedFunctions[0] != "a_b" {
		t.Fatalf("attached functions: %v", r.AttachedFunctions)
	}
	r.Status = "running"
	r.Step = 1
	if _, err := st.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if _, err := st.UpdateRun(ctx, r); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale UpdateRun: got %v", err)
	}

	m1, err := st.AppendMessage(ctx, Message{ID: "m1", ClusterID: "c1", RunID: "r1", Type: "human", Data: []byte(`{"message":"hi"}`), CreatedAt: now})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	m2, err := st.AppendMessage(ctx, Message{ID: "m2", ClusterID: "c1", RunID: "r1", Type: "invocation-result", InvocationID: "inv-1", Data: []byte(`{}`), CreatedAt: now})
	if err != nil {
		t.Fatalf("AppendMessage result: %v", err)
	}
	if m2.Seq <= m1.Seq {
		t.Fatalf("message seq not increasing: %d then %d", m1.Seq, m2.Seq)
	}
	if _, err := st.AppendMessage(ctx, Message{ID: "m3", ClusterID: "c1", RunID: "r1", Type: "invocation-result", InvocationID: "inv-1", Data: []byte(`{}`), CreatedAt: now}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate result message: got %v, want ErrDuplicate", err)
	}
	msgs, err := st.ListMessages(ctx, "c1", "r1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("ListMessages: %d %v", len(msgs), err)
	}

	for i, e := range []Event{
		{ID: "e1", ClusterID: "c1", Type: "jobCreated", JobID: "j1", RunID: "r1"},
		{ID: "e2", ClusterID: "c1", Type: "jobAcknowledged", JobID: "j1", MachineID: "m1"},
		{ID: "e3", ClusterID: "c1", Type: "jobCreated", JobID: "j2"},
	} {
		e.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		if _, err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	evs, err := st.ListEvents(ctx, EventFilter{ClusterID: "c1", JobIDs: []string{"j1"}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != "e1" || evs[1].ID != "e2" || evs[1].MachineID != "m1" {
		t.Fatalf("ListEvents by job: %+v", evs)
	}
	evs, _ = st.ListEvents(ctx, EventFilter{ClusterID: "c1", RunIDs: []string{"r1"}, JobIDs: []string{"j2"}})
	if len(evs) != 2 {
		t.Fatalf("ListEvents run or job: got %d, want 2", len(evs))
	}

	if err := st.DeleteRun(ctx, "c1", "r1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := st.GetRun(ctx, "c1", "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun after delete: %v", err)
	}
}

func TestExecutionsAndRunConfigs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.UpsertWorkflow(ctx, Workflow{ClusterID: "c1", Name: "onboard", Version: 1, CreatedAt: now}); err != nil {
		t.Fatalf("UpsertWorkflow: %v", err)
	}
	if err := st.UpsertWorkflow(ctx, Workflow{ClusterID: "c1", Name: "onboard", Version: 2, CreatedAt: now}); err != nil {
		t.Fatalf("UpsertWorkflow v2: %v", err)
	}
	w, err := st.LatestWorkflow(ctx, "c1", "onboard")
	if err != nil || w.Version != 2 {
		t.Fatalf("LatestWorkflow: %+v %v", w, err)
	}

	e := WorkflowExecution{ID: "exec-1", ClusterID: "c1", WorkflowName: "onboard", Version: 2, JobID: "j1", CreatedAt: now}
	if _, created, err := st.CreateExecution(ctx, e); err != nil || !created {
		t.Fatalf("CreateExecution: created=%v err=%v", created, err)
	}
	e.JobID = "j2"
	got, created, err := st.CreateExecution(ctx, e)
	if err != nil {
		t.Fatalf("CreateExecution again: %v", err)
	}
	if created || got.JobID != "j1" {
		t.Fatalf("CreateExecution again: created=%v job=%s, want existing j1", created, got.JobID)
	}

	c, err := st.UpsertRunConfig(ctx, RunConfig{ID: "rc1", ClusterID: "c1", Name: "triage", InitialPrompt: "go", UpdatedAt: now})
	if err != nil || c.Version != 1 {
		t.Fatalf("UpsertRunConfig: %+v %v", c, err)
	}
	c, err = st.UpsertRunConfig(ctx, RunConfig{ID: "rc1", ClusterID: "c1", Name: "triage", InitialPrompt: "go again", UpdatedAt: now})
	if err != nil || c.Version != 2 || c.InitialPrompt != "go again" {
		t.Fatalf("UpsertRunConfig v2: %+v %v", c, err)
	}
}

func TestFunctionsAndMachines(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.UpsertFunction(ctx, FunctionDef{ClusterID: "c1", Service: "svc", Name: "fn", Schema: []byte(`{"type":"object"}`), UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertFunction: %v", err)
	}
	if err := st.UpsertFunction(ctx, FunctionDef{ClusterID: "c1", Service: "svc", Name: "fn", Description: "v2", UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertFunction replace: %v", err)
	}
	f, err := st.GetFunction(ctx, "c1", "svc", "fn")
	if err != nil || f.Description != "v2" || f.Schema != nil {
		t.Fatalf("GetFunction: %+v %v", f, err)
	}
	if err := st.TouchMachine(ctx, "c1", "m1", []string{"svc"}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchMachine: %v", err)
	}
	live, err := st.ListMachineServices(ctx, "c1", now.Add(-time.Minute))
	if err != nil || len(live) != 0 {
		t.Fatalf("stale machine listed: %v %v", live, err)
	}
	if err := st.TouchMachine(ctx, "c1", "m1", []string{"svc"}, now); err != nil {
		t.Fatalf("TouchMachine: %v", err)
	}
	live, _ = st.ListMachineServices(ctx, "c1", now.Add(-time.Minute))
	if len(live) != 1 || live[0].MachineID != "m1" {
		t.Fatalf("ListMachineServices: %v", live)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		st, err := OpenFile(dbPath)
		if err != nil {
			t.Fatalf("OpenFile #%d: %v", i, err)
		}
		var n int
		if err := st.(*sqliteStore).DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		migs, err := loadMigrations()
		if err != nil {
			t.Fatalf("loadMigrations: %v", err)
		}
		if n != len(migs) {
			t.Fatalf("applied %d migrations, want %d", n, len(migs))
		}
		_ = st.Close()
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migs) == 0 || migs[0].version != 1 || migs[0].name != "001_init.sql" {
		t.Fatalf("migrations: %+v", migs)
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].version <= migs[i-1].version {
			t.Fatalf("out of order: %s after %s", migs[i].name, migs[i-1].name)
		}
	}
}
