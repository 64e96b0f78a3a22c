package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/pkg/models"
)

func TestSSEHub_SubscribePublishUnsubscribe(t *testing.T) {
	hub := NewSSEHub()
	ch := hub.Subscribe(StreamFilter{})
	hub.PublishJSON(map[string]string{"type": "test"})
	fr := <-ch
	if !strings.Contains(string(fr.data), "test") || fr.name != "message" {
		t.Errorf("PublishJSON: got %+v", fr)
	}
	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	hub.Unsubscribe(ch)
}

func TestSSEHub_FiltersByClusterAndRun(t *testing.T) {
	hub := NewSSEHub()
	mine := hub.Subscribe(StreamFilter{Cluster: "c1", RunID: "r1"})
	defer hub.Unsubscribe(mine)

	hub.PublishJSON(events.StreamMessage{Type: "event", Event: &models.Event{ID: "e1", ClusterID: "c2", RunID: "r1", Type: models.EventJobCreated}})
	hub.PublishJSON(events.StreamMessage{Type: "event", Event: &models.Event{ID: "e2", ClusterID: "c1", RunID: "r2", Type: models.EventJobCreated}})
	hub.PublishJSON(events.StreamMessage{Type: "event", Event: &models.Event{ID: "e3", ClusterID: "c1", RunID: "r1", Type: models.EventJobResulted}})

	fr := <-mine
	if fr.id != "e3" || fr.name != models.EventJobResulted {
		t.Fatalf("got %+v", fr)
	}
	select {
	case extra := <-mine:
		t.Fatalf("unexpected frame %+v", extra)
	default:
	}
}

func TestSSEHub_Handler(t *testing.T) {
	hub := NewSSEHub()
	handler := hub.Handler("default")
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/stream?runId=r1", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	hub.PublishJSON(events.StreamMessage{Type: "event", Event: &models.Event{ID: "e1", ClusterID: "default", RunID: "r1", Type: models.EventJobCreated}})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	for _, want := range []string{"event: connected\n", "id: e1\n", "event: " + models.EventJobCreated + "\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}
