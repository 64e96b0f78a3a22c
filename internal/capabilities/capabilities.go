// Package capabilities holds the outbound notification channels (Slack, generic webhooks) the
// control plane can post to.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Notification is one outbound message about a job or run.
type Notification struct {
	Kind    string            `json:"kind"` // e.g. "approvalRequested", "runDone"
	Text    string            `json:"text"`
	Cluster string            `json:"clusterId"`
	JobID   string            `json:"jobId,omitempty"`
	RunID   string            `json:"runId,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Capability is an integration that can deliver notifications.
type Capability interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Registry holds loaded capabilities by name.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(name string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = c
}

func (r *Registry) Get(name string) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name]
}

// Names returns registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Notify(ctx context.Context, name string, n Notification) error {
	c := r.Get(name)
	if c == nil {
		return fmt.Errorf("capability %q not found", name)
	}
	return c.Notify(ctx, n)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}

// SlackWebhook sends messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, n Notification) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	text := n.Text
	if n.JobID != "" {
		text += fmt.Sprintf(" (job %s)", n.JobID)
	}
	if n.RunID != "" {
		text += fmt.Sprintf(" (run %s)", n.RunID)
	}
	payload := map[string]any{"text": text}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	return postJSON(ctx, s.WebhookURL, nil, payload)
}

// Webhook posts the notification as JSON to an arbitrary endpoint.
type Webhook struct {
	URL     string
	Headers map[string]string
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) Notify(ctx context.Context, n Notification) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	return postJSON(ctx, w.URL, w.Headers, n)
}
