// Package events is the append-only timeline recorder. Every ledger transition is recorded here,
// then pushed to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
	"github.com/google/uuid"
)

// Publisher pushes a JSON value to live subscribers (the SSE hub).
type Publisher interface {
	PublishJSON(v any)
}

// Recorder appends events to the store. It never reorders or deduplicates.
type Recorder struct {
	store store.Store
	pub   Publisher
	now   func() time.Time
}

// NewRecorder returns a recorder over st. pub may be nil.
func NewRecorder(st store.Store, pub Publisher) *Recorder {
	return &Recorder{store: st, pub: pub, now: time.Now}
}

// Valid reports whether typ is one of the recorded event types.
func Valid(typ string) bool {
	return slices.Contains(models.EventTypes, typ)
}

// StreamMessage is the envelope pushed to subscribers.
type StreamMessage struct {
	Type  string        `json:"type"` // "event" or "run"
	Event *models.Event `json:"event,omitempty"`
	Run   *models.Run   `json:"run,omitempty"`
}

// Record appends e, assigning its id and timestamp when unset.
func (r *Recorder) Record(ctx context.Context, e store.Event) (store.Event, error) {
	if !Valid(e.Type) {
		return store.Event{}, fmt.Errorf("%w: unknown event type %q", store.ErrInvalid, e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	saved, err := r.store.AppendEvent(ctx, e)
	if err != nil {
		return store.Event{}, fmt.Errorf("append %s event: %w", e.Type, err)
	}
	if r.pub != nil {
		m := store.EventModel(saved)
		r.pub.PublishJSON(StreamMessage{Type: "event", Event: &m})
	}
	return saved, nil
}

// JobEvent builds an event for a transition of j with optional metadata.
func JobEvent(typ string, j store.Job, meta map[string]any) store.Event {
	e := store.Event{
		Type:        typ,
		ClusterID:   j.ClusterID,
		JobID:       j.ID,
		RunID:       j.RunID,
		ExecutionID: j.ExecutionID,
		MachineID:   j.MachineID,
		Service:     j.Service,
		Function:    j.Function,
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			e.Meta = b
		}
	}
	return e
}

// RecordJob records a job transition. Failures are logged, not returned.
func (r *Recorder) RecordJob(ctx context.Context, typ string, j store.Job, meta map[string]any) {
	if _, err := r.Record(ctx, JobEvent(typ, j, meta)); err != nil {
		slog.Error("event record failed", "err", err, "type", typ, "job_id", j.ID)
	}
}

// PublishRun pushes a run status change to subscribers.
func (r *Recorder) PublishRun(run store.Run) {
	if r.pub == nil {
		return
	}
	m := store.RunModel(run)
	r.pub.PublishJSON(StreamMessage{Type: "run", Run: &m})
}
