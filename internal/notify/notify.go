// Package notify delivers approval and run notifications through the configured capabilities
// and records each outcome on the timeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ankittk/jobplane/internal/capabilities"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

const queueSize = 256

// Notifier queues notifications and sends them from Run.
type Notifier struct {
	caps   *capabilities.Registry
	events *events.Recorder
	queue  chan capabilities.Notification
}

// New returns a notifier. With no capabilities registered, notifications are dropped silently.
func New(caps *capabilities.Registry, rec *events.Recorder) *Notifier {
	return &Notifier{caps: caps, events: rec, queue: make(chan capabilities.Notification, queueSize)}
}

// Attach subscribes the notifier to approval requests on l.
func (n *Notifier) Attach(l *ledger.Ledger) {
	l.Subscribe(func(c ledger.Change) {
		if c.Kind != ledger.ChangeApprovalRequested {
			return
		}
		n.Enqueue(capabilities.Notification{
			Kind:    models.EventApprovalRequested,
			Text:    fmt.Sprintf("Approval requested for %s.%s", c.Job.Service, c.Job.Function),
			Cluster: c.Job.ClusterID,
			JobID:   c.Job.ID,
			RunID:   c.Job.RunID,
		})
	})
}

// RunFinished queues a notification for a run that reached a terminal status.
func (n *Notifier) RunFinished(r store.Run) {
	text := fmt.Sprintf("Run %s finished: %s", displayName(r), r.Status)
	fields := map[string]string{"status": r.Status}
	if r.FailureReason != "" {
		text += " (" + r.FailureReason + ")"
		fields["reason"] = r.FailureReason
	}
	n.Enqueue(capabilities.Notification{
		Kind:    "run" + capitalize(r.Status),
		Text:    text,
		Cluster: r.ClusterID,
		RunID:   r.ID,
		Fields:  fields,
	})
}

func displayName(r store.Run) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Enqueue queues msg without blocking; it is dropped when the queue is full.
func (n *Notifier) Enqueue(msg capabilities.Notification) {
	if n == nil || n.caps == nil || len(n.caps.Names()) == 0 {
		return
	}
	select {
	case n.queue <- msg:
	default:
		slog.Warn("notification queue full, dropping", "kind", msg.Kind, "job_id", msg.JobID, "run_id", msg.RunID)
	}
}

// Run sends queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			n.Send(ctx, msg)
		}
	}
}

// Send delivers msg through every capability and records notificationSent or
// notificationFailed for each.
func (n *Notifier) Send(ctx context.Context, msg capabilities.Notification) {
	for _, name := range n.caps.Names() {
		err := n.caps.Notify(ctx, name, msg)
		typ := models.EventNotificationSent
		meta := map[string]any{"capability": name, "kind": msg.Kind}
		if err != nil {
			typ = models.EventNotificationFailed
			meta["error"] = err.Error()
			slog.Error("notification failed", "err", err, "capability", name, "kind", msg.Kind)
		}
		b, _ := json.Marshal(meta)
		if _, rerr := n.events.Record(ctx, store.Event{
			Type:      typ,
			ClusterID: msg.Cluster,
			JobID:     msg.JobID,
			RunID:     msg.RunID,
			Meta:      b,
		}); rerr != nil {
			slog.Error("event record failed", "err", rerr, "type", typ)
		}
	}
}
