// Package workflow manages workflow executions: externally keyed, idempotent requests to run a
// registered workflow version. An execution is backed by a root job dispatched to the workflow
// handler "name.version" of the reserved workflows service.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
	"github.com/google/uuid"
)

// Service creates, reads, and deletes executions.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	events   *events.Recorder
}

// New returns an execution service.
func New(l *ledger.Ledger, reg *registry.Registry, rec *events.Recorder) *Service {
	return &Service{store: l.Store(), ledger: l, registry: reg, events: rec}
}

// CreateExecution starts the latest version of the workflow under executionID. Repeating the
// call with the same id returns the existing execution with created=false.
func (s *Service) CreateExecution(ctx context.Context, clusterID, name string, req models.CreateExecutionRequest) (models.WorkflowExecution, bool, error) {
	name = strings.TrimSpace(name)
	id := strings.TrimSpace(req.ExecutionID)
	if name == "" || id == "" {
		return models.WorkflowExecution{}, false, fmt.Errorf("%w: workflow name and executionId are required", store.ErrInvalid)
	}
	if existing, err := s.store.GetExecution(ctx, clusterID, name, id); err == nil {
		out, err := s.ensureRootJob(ctx, existing)
		return out, false, err
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.WorkflowExecution{}, false, err
	}

	wf, err := s.registry.LatestWorkflow(ctx, clusterID, name)
	if err != nil {
		return models.WorkflowExecution{}, false, fmt.Errorf("workflow %s: %w", name, err)
	}
	exec, created, err := s.store.CreateExecution(ctx, store.WorkflowExecution{
		ID:           id,
		ClusterID:    clusterID,
		WorkflowName: name,
		Version:      wf.Version,
		JobID:        uuid.NewString(),
		Input:        req.Input,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return models.WorkflowExecution{}, false, err
	}
	out, err := s.ensureRootJob(ctx, exec)
	return out, created, err
}

// ensureRootJob creates the execution's root job if an earlier attempt stopped before it did.
func (s *Service) ensureRootJob(ctx context.Context, exec store.WorkflowExecution) (models.WorkflowExecution, error) {
	job, err := s.store.GetJob(ctx, exec.ClusterID, exec.JobID)
	if errors.Is(err, store.ErrNotFound) {
		job, _, err = s.ledger.CreateJob(ctx, ledger.CreateParams{
			ClusterID:   exec.ClusterID,
			JobID:       exec.JobID,
			Service:     models.WorkflowService,
			Function:    registry.WorkflowHandler(exec.WorkflowName, exec.Version),
			Input:       exec.Input,
			ExecutionID: exec.ID,
		})
	}
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	return store.ExecutionModel(exec, job.Status), nil
}

// GetExecution returns the execution with its root job status.
func (s *Service) GetExecution(ctx context.Context, clusterID, name, id string) (models.WorkflowExecution, error) {
	exec, err := s.store.GetExecution(ctx, clusterID, name, id)
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	status := ""
	if job, err := s.store.GetJob(ctx, clusterID, exec.JobID); err == nil {
		status = job.Status
	}
	return store.ExecutionModel(exec, status), nil
}

// ListExecutions returns the newest executions of the workflow.
func (s *Service) ListExecutions(ctx context.Context, clusterID, name string, limit int) ([]models.WorkflowExecution, error) {
	execs, err := s.store.ListExecutions(ctx, clusterID, name, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkflowExecution, 0, len(execs))
	for _, e := range execs {
		status := ""
		if job, err := s.store.GetJob(ctx, clusterID, e.JobID); err == nil {
			status = job.Status
		}
		out = append(out, store.ExecutionModel(e, status))
	}
	return out, nil
}

// Timeline merges the execution's jobs, runs, messages, and events.
func (s *Service) Timeline(ctx context.Context, clusterID, name, id string) (models.Timeline, error) {
	return s.events.ExecutionTimeline(ctx, clusterID, name, id)
}

// DeleteExecution cancels every open job of the execution, including jobs issued by its runs,
// then removes the execution record.
func (s *Service) DeleteExecution(ctx context.Context, clusterID, name, id string) error {
	if _, err := s.store.GetExecution(ctx, clusterID, name, id); err != nil {
		return err
	}
	if _, err := s.ledger.CancelJobs(ctx, store.JobFilter{ClusterID: clusterID, ExecutionID: id}); err != nil {
		return err
	}
	return s.store.DeleteExecution(ctx, clusterID, name, id)
}
