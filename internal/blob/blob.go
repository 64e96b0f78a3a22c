// Package blob stores job result payloads out of line, either inline in the ledger database or
// in a MinIO/S3 bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/google/uuid"
)

// Backend stores blob content by key. A nil Backend keeps content in the ledger's blobs table.
type Backend interface {
	Name() string
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Ref is the reference embedded in a job result in place of (or next to) the content.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Manager writes blob metadata to the ledger and content to the configured backend.
type Manager struct {
	store   store.Store
	backend Backend
	maxSize int64
}

// NewManager returns a manager; backend may be nil. maxSize <= 0 means 8 MiB.
func NewManager(st store.Store, backend Backend, maxSize int64) *Manager {
	if maxSize <= 0 {
		maxSize = 8 << 20
	}
	return &Manager{store: st, backend: backend, maxSize: maxSize}
}

// BackendName reports where content is kept.
func (m *Manager) BackendName() string {
	if m.backend == nil {
		return "ledger"
	}
	return m.backend.Name()
}

// Save stores data for the job and returns its reference.
func (m *Manager) Save(ctx context.Context, clusterID, jobID, runID, name, contentType string, data []byte) (Ref, error) {
	if name == "" {
		return Ref{}, errors.New("blob name required")
	}
	if int64(len(data)) > m.maxSize {
		return Ref{}, fmt.Errorf("blob %s is %d bytes, limit %d", name, len(data), m.maxSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	b := store.Blob{
		ID:        uuid.NewString(),
		ClusterID: clusterID,
		JobID:     jobID,
		RunID:     runID,
		Name:      name,
		Type:      contentType,
		Size:      int64(len(data)),
		Backend:   m.BackendName(),
		CreatedAt: time.Now(),
	}
	if m.backend == nil {
		b.Data = data
	} else if err := m.backend.Put(ctx, objectKey(clusterID, b.ID), contentType, data); err != nil {
		return Ref{}, fmt.Errorf("put blob %s: %w", b.ID, err)
	}
	if err := m.store.CreateBlob(ctx, b); err != nil {
		return Ref{}, err
	}
	return Ref{ID: b.ID, Name: b.Name, Type: b.Type, Size: b.Size}, nil
}

// Load returns blob metadata and content.
func (m *Manager) Load(ctx context.Context, clusterID, id string) (store.Blob, []byte, error) {
	b, err := m.store.GetBlob(ctx, clusterID, id)
	if err != nil {
		return store.Blob{}, nil, err
	}
	if b.Backend == "ledger" {
		return b, b.Data, nil
	}
	if m.backend == nil || m.backend.Name() != b.Backend {
		return store.Blob{}, nil, fmt.Errorf("blob %s stored in %q backend, which is not configured", id, b.Backend)
	}
	data, err := m.backend.Get(ctx, objectKey(clusterID, id))
	if err != nil {
		return store.Blob{}, nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	return b, data, nil
}

func objectKey(clusterID, id string) string {
	return clusterID + "/" + id
}
