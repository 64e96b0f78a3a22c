package stall

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

func TestSweepRequeuesThenFails(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	cfg, _ := json.Marshal(models.FunctionConfig{TimeoutSeconds: ptr(1), RetryCountOnStall: ptr(1)})
	if err := st.UpsertFunction(ctx, store.FunctionDef{ClusterID: "c1", Service: "s", Name: "f", Config: cfg, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertFunction: %v", err)
	}
	now := time.Now().Truncate(time.Millisecond)
	clock := func() time.Time { return now }
	l := ledger.New(st, events.NewRecorder(st, nil), ledger.Options{Now: clock})
	m := New(l, time.Second, 1)

	j, _, err := l.CreateJob(ctx, ledger.CreateParams{ClusterID: "c1", Service: "s", Function: "f"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for i, want := range []string{models.JobStatusPending, models.JobStatusFailure} {
		if c, err := l.Claim(ctx, "c1", "m1", []string{"s.f"}); err != nil || c == nil {
			t.Fatalf("Claim %d: %v %v", i, c, err)
		}
		now = now.Add(2 * time.Second)
		if n := m.Sweep(ctx); n != 1 {
			t.Fatalf("Sweep %d: handled %d", i, n)
		}
		got, err := st.GetJob(ctx, "c1", j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status != want {
			t.Fatalf("after sweep %d: status=%s, want %s", i, got.Status, want)
		}
	}
	if n := m.Sweep(ctx); n != 0 {
		t.Fatalf("idle Sweep handled %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	m := New(ledger.New(st, events.NewRecorder(st, nil), ledger.Options{}), 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestIntervalDefaults(t *testing.T) {
	t.Parallel()
	if got := New(nil, 0, 0).Interval(); got != DefaultInterval {
		t.Fatalf("Interval: got %v, want %v", got, DefaultInterval)
	}
	if got := New(nil, 2*time.Second, 0).Interval(); got != 2*time.Second {
		t.Fatalf("Interval: got %v", got)
	}
}

func ptr(v int) *int { return &v }
