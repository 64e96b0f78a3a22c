package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/otel"
	"github.com/ankittk/jobplane/pkg/models"
)

const sseKeepalive = 30 * time.Second

// StreamFilter narrows a subscription. Empty fields match everything.
type StreamFilter struct {
	Cluster string
	RunID   string
}

// frame is one encoded stream message with the routing keys it was published under.
type frame struct {
	id      string
	name    string
	cluster string
	runID   string
	data    []byte
}

func (f StreamFilter) match(fr frame) bool {
	if f.Cluster != "" && fr.cluster != "" && f.Cluster != fr.cluster {
		return false
	}
	return f.RunID == "" || f.RunID == fr.runID
}

// SSEHub fans recorded events and run changes out to stream subscribers. It implements
// events.Publisher. Slow subscribers lose frames instead of blocking publishers.
type SSEHub struct {
	mu   sync.RWMutex
	subs map[chan frame]StreamFilter
}

var _ events.Publisher = (*SSEHub)(nil)

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[chan frame]StreamFilter)}
}

func (h *SSEHub) Subscribe(f StreamFilter) chan frame {
	ch := make(chan frame, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	h.subs[ch] = f
	h.mu.Unlock()
	otel.AddSSEConnection()
	return ch
}

func (h *SSEHub) Unsubscribe(ch chan frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
	otel.RemoveSSEConnection()
}

func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fr := frameFor(v)
	fr.data = b
	otel.RecordSSEEvent(context.Background())

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, filter := range h.subs {
		if !filter.match(fr) {
			continue
		}
		select {
		case ch <- fr:
		default:
		}
	}
}

func frameFor(v any) frame {
	msg, ok := v.(events.StreamMessage)
	if !ok {
		return frame{name: "message"}
	}
	switch {
	case msg.Event != nil:
		return frame{id: msg.Event.ID, name: msg.Event.Type, cluster: msg.Event.ClusterID, runID: msg.Event.RunID}
	case msg.Run != nil:
		return frame{name: "run." + msg.Run.Status, cluster: msg.Run.ClusterID, runID: msg.Run.ID}
	}
	return frame{name: msg.Type}
}

func writeFrame(w io.Writer, fr frame) {
	if fr.id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", fr.id)
	}
	if fr.name != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", fr.name)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", fr.data)
}

// Handler streams messages for the request's cluster, optionally narrowed by ?runId=.
func (h *SSEHub) Handler(defaultCluster string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "text/event-stream")
		hdr.Set("Cache-Control", "no-cache")
		hdr.Set("Connection", "keep-alive")
		hdr.Set("X-Accel-Buffering", "no")

		ch := h.Subscribe(StreamFilter{Cluster: clusterID(r, defaultCluster), RunID: r.URL.Query().Get("runId")})
		defer h.Unsubscribe(ch)

		writeFrame(w, frame{name: "connected", data: []byte(`{"type":"connected"}`)})
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				_, _ = io.WriteString(w, ": keepalive\n\n")
			case fr, ok := <-ch:
				if !ok {
					return
				}
				writeFrame(w, fr)
			}
			flusher.Flush()
		}
	}
}
