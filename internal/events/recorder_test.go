package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

type capturePublisher struct {
	mu  sync.Mutex
	got []any
}

func (c *capturePublisher) PublishJSON(v any) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordRejectsUnknownType(t *testing.T) {
	t.Parallel()
	r := NewRecorder(openStore(t), nil)
	_, err := r.Record(context.Background(), store.Event{ClusterID: "c1", Type: "jobExploded"})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("Record: got %v, want ErrInvalid", err)
	}
}

func TestRecordPublishes(t *testing.T) {
	t.Parallel()
	pub := &capturePublisher{}
	st := openStore(t)
	r := NewRecorder(st, pub)
	ctx := context.Background()

	j := store.Job{ID: "j1", ClusterID: "c1", Service: "billing", Function: "charge", MachineID: "m1"}
	r.RecordJob(ctx, models.EventJobAcknowledged, j, map[string]any{"attempt": 1})

	evs, err := st.ListEvents(ctx, store.EventFilter{ClusterID: "c1", JobIDs: []string{"j1"}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != models.EventJobAcknowledged || evs[0].MachineID != "m1" {
		t.Fatalf("events: %+v", evs)
	}
	if string(evs[0].Meta) != `{"attempt":1}` {
		t.Fatalf("meta: %s", evs[0].Meta)
	}
	if len(pub.got) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.got))
	}
	msg, ok := pub.got[0].(StreamMessage)
	if !ok || msg.Type != "event" || msg.Event.JobID != "j1" {
		t.Fatalf("published: %+v", pub.got[0])
	}
}

func TestRunTimelineMergesMessagesAndEvents(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	r := NewRecorder(st, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	if _, err := st.CreateRun(ctx, store.Run{ID: "r1", ClusterID: "c1", Status: models.RunStatusRunning, CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := st.AppendMessage(ctx, store.Message{ID: "m1", ClusterID: "c1", RunID: "r1", Type: models.MessageHuman, Data: []byte(`{"message":"hi"}`), CreatedAt: base}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	job := store.Job{
		ID: "j1", ClusterID: "c1", Service: "s", Function: "f", Status: models.JobStatusPending,
		RunID: "r1", InvocationID: "inv-1", Policy: store.Policy{TimeoutSeconds: 5, ApprovalMode: models.ApprovalNone},
		CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second),
	}
	if _, _, err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e := JobEvent(models.EventJobCreated, job, nil)
	e.CreatedAt = base.Add(time.Second)
	if _, err := r.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := st.AppendMessage(ctx, store.Message{
		ID: "m2", ClusterID: "c1", RunID: "r1", Type: models.MessageInvocationResult, InvocationID: "inv-1",
		Data: []byte(`{"invocationId":"inv-1","resultType":"resolution"}`), CreatedAt: base.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("AppendMessage result: %v", err)
	}

	tl, err := r.RunTimeline(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("RunTimeline: %v", err)
	}
	if tl.Run == nil || len(tl.Run.Messages) != 2 || len(tl.Jobs) != 1 {
		t.Fatalf("timeline: run=%+v jobs=%d", tl.Run, len(tl.Jobs))
	}
	kinds := []string{}
	for _, e := range tl.Entries {
		kinds = append(kinds, e.Kind)
	}
	want := []string{KindMessage, KindEvent, KindMessage}
	if len(kinds) != len(want) {
		t.Fatalf("entries: %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("entries: %v, want %v", kinds, want)
		}
	}
	if tl.Entries[2].Message.InvocationResult == nil || tl.Entries[2].Message.InvocationResult.InvocationID != "inv-1" {
		t.Fatalf("result entry: %+v", tl.Entries[2].Message)
	}
}

func TestRunTimelineNotFound(t *testing.T) {
	t.Parallel()
	r := NewRecorder(openStore(t), nil)
	if _, err := r.RunTimeline(context.Background(), "c1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RunTimeline: got %v, want ErrNotFound", err)
	}
}
