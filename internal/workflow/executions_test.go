package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	rec := events.NewRecorder(st, nil)
	l := ledger.New(st, rec, ledger.Options{})
	reg := registry.New(st, 0)
	err = reg.Register(context.Background(), "c1", models.RegisterRequest{
		MachineID: "m1",
		Workflows: []models.WorkflowDefinition{{Name: "onboard", Version: 1}, {Name: "onboard", Version: 2}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return New(l, reg, rec), l, st
}

func TestCreateExecutionIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _, st := newTestService(t)
	ctx := context.Background()
	req := models.CreateExecutionRequest{ExecutionID: "user-42", Input: json.RawMessage(`{"user":42}`)}

	first, created, err := s.CreateExecution(ctx, "c1", "onboard", req)
	if err != nil || !created {
		t.Fatalf("CreateExecution: created=%v err=%v", created, err)
	}
	if first.Version != 2 || first.Status != models.JobStatusPending {
		t.Fatalf("execution: %+v", first)
	}
	second, created, err := s.CreateExecution(ctx, "c1", "onboard", req)
	if err != nil || created {
		t.Fatalf("CreateExecution again: created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.JobID != first.JobID {
		t.Fatalf("second call: %+v want %+v", second, first)
	}
	jobs, err := st.ListJobs(ctx, store.JobFilter{ClusterID: "c1", ExecutionID: "user-42"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs: %d %v", len(jobs), err)
	}
	if jobs[0].Service != models.WorkflowService || jobs[0].Function != "onboard.2" {
		t.Fatalf("root job target: %s", jobs[0].Target())
	}
}

func TestCreateExecutionValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t)
	ctx := context.Background()
	if _, _, err := s.CreateExecution(ctx, "c1", "onboard", models.CreateExecutionRequest{}); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("missing id: got %v", err)
	}
	if _, _, err := s.CreateExecution(ctx, "c1", "unknown", models.CreateExecutionRequest{ExecutionID: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown workflow: got %v", err)
	}
}

func TestExecutionTimelineAndDelete(t *testing.T) {
	t.Parallel()
	s, l, _ := newTestService(t)
	ctx := context.Background()
	exec, _, err := s.CreateExecution(ctx, "c1", "onboard", models.CreateExecutionRequest{ExecutionID: "e1"})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	j, err := l.Claim(ctx, "c1", "m1", []string{models.WorkflowService})
	if err != nil || j == nil || j.ID != exec.JobID {
		t.Fatalf("Claim: %v %v", j, err)
	}
	tl, err := s.Timeline(ctx, "c1", "onboard", "e1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl.Jobs) != 1 || len(tl.Entries) < 2 {
		t.Fatalf("timeline: jobs=%d entries=%d", len(tl.Jobs), len(tl.Entries))
	}

	if err := s.DeleteExecution(ctx, "c1", "onboard", "e1"); err != nil {
		t.Fatalf("DeleteExecution: %v", err)
	}
	_, err = l.SubmitResult(ctx, ledger.SubmitParams{ClusterID: "c1", JobID: j.ID, AttemptToken: j.AttemptToken})
	if !errors.Is(err, store.ErrJobNoLongerActive) {
		t.Fatalf("SubmitResult after delete: got %v", err)
	}
	if _, err := s.GetExecution(ctx, "c1", "onboard", "e1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetExecution after delete: got %v", err)
	}
}

func TestRootJobCreateLosesRaceToExistingJob(t *testing.T) {
	t.Parallel()
	s, l, st := newTestService(t)
	ctx := context.Background()
	exec, _, err := st.CreateExecution(ctx, store.WorkflowExecution{
		ID: "user-7", ClusterID: "c1", WorkflowName: "onboard", Version: 2, JobID: "root-7",
		Input: json.RawMessage(`{}`), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	// Another caller created the root job between our lookup and our insert.
	winner, created, err := l.CreateJob(ctx, ledger.CreateParams{
		ClusterID: "c1", JobID: "root-7", Service: models.WorkflowService, Function: "onboard.2", ExecutionID: "user-7",
	})
	if err != nil || !created {
		t.Fatalf("CreateJob: created=%v err=%v", created, err)
	}
	again, created, err := l.CreateJob(ctx, ledger.CreateParams{
		ClusterID: "c1", JobID: "root-7", Service: models.WorkflowService, Function: "onboard.2", ExecutionID: "user-7",
	})
	if err != nil || created || again.ID != winner.ID {
		t.Fatalf("CreateJob duplicate id: created=%v err=%v job=%+v", created, err, again)
	}
	out, err := s.ensureRootJob(ctx, exec)
	if err != nil || out.JobID != "root-7" || out.Status != models.JobStatusPending {
		t.Fatalf("ensureRootJob: %+v %v", out, err)
	}
}

func TestConcurrentCreateExecution(t *testing.T) {
	t.Parallel()
	s, _, st := newTestService(t)
	ctx := context.Background()
	req := models.CreateExecutionRequest{ExecutionID: "user-9", Input: json.RawMessage(`{}`)}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]models.WorkflowExecution, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = s.CreateExecution(ctx, "c1", "onboard", req)
		}(i)
	}
	wg.Wait()
	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].JobID != results[0].JobID {
			t.Fatalf("caller %d got job %s, caller 0 got %s", i, results[i].JobID, results[0].JobID)
		}
	}
	jobs, err := st.ListJobs(ctx, store.JobFilter{ClusterID: "c1", ExecutionID: "user-9"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs: %d %v", len(jobs), err)
	}
}
