package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ankittk/jobplane/internal/capabilities"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

type fakeCap struct {
	name string
	err  error
	mu   sync.Mutex
	got  []capabilities.Notification
}

func (f *fakeCap) Name() string { return f.name }

func (f *fakeCap) Notify(_ context.Context, n capabilities.Notification) error {
	f.mu.Lock()
	f.got = append(f.got, n)
	f.mu.Unlock()
	return f.err
}

func TestSendRecordsOutcomes(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	caps := capabilities.NewRegistry()
	ok := &fakeCap{name: "slack"}
	bad := &fakeCap{name: "webhook", err: errors.New("503")}
	caps.Register("slack", ok)
	caps.Register("webhook", bad)
	n := New(caps, events.NewRecorder(st, nil))

	n.Send(ctx, capabilities.Notification{Kind: models.EventApprovalRequested, Cluster: "c1", JobID: "j1", Text: "approve?"})

	evs, err := st.ListEvents(ctx, store.EventFilter{ClusterID: "c1", JobIDs: []string{"j1"}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sent, failed int
	for _, e := range evs {
		switch e.Type {
		case models.EventNotificationSent:
			sent++
		case models.EventNotificationFailed:
			failed++
		}
	}
	if sent != 1 || failed != 1 {
		t.Fatalf("sent=%d failed=%d", sent, failed)
	}
	if len(ok.got) != 1 || ok.got[0].JobID != "j1" {
		t.Fatalf("slack received %+v", ok.got)
	}
}

func TestAttachQueuesApprovalRequests(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	rec := events.NewRecorder(st, nil)
	l := ledger.New(st, rec, ledger.Options{})
	caps := capabilities.NewRegistry()
	caps.Register("slack", &fakeCap{name: "slack"})
	n := New(caps, rec)
	n.Attach(l)

	if _, _, err := l.CreateJob(ctx, ledger.CreateParams{
		ClusterID: "c1", Service: models.WorkflowService, Function: "w.1",
		CallSite: &models.PolicyOverride{ApprovalMode: strPtr(models.ApprovalPre)},
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	select {
	case msg := <-n.queue:
		if msg.Kind != models.EventApprovalRequested || msg.Cluster != "c1" {
			t.Fatalf("queued: %+v", msg)
		}
	default:
		t.Fatal("no notification queued")
	}

	n.RunFinished(store.Run{ID: "r1", ClusterID: "c1", Status: models.RunStatusFailed, FailureReason: models.ReasonStallExhaustion})
	msg := <-n.queue
	if msg.Kind != "runFailed" || msg.Fields["reason"] != models.ReasonStallExhaustion {
		t.Fatalf("run notification: %+v", msg)
	}
}

func TestEnqueueWithoutCapabilities(t *testing.T) {
	n := New(capabilities.NewRegistry(), nil)
	n.Enqueue(capabilities.Notification{Kind: "x"})
	if len(n.queue) != 0 {
		t.Fatal("notification queued with no capabilities")
	}
}

func strPtr(s string) *string { return &s }
