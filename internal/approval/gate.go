// Package approval is the caller- and worker-facing surface of the approval state machine:
// none, requested, approved, denied. Transitions are applied by the ledger.
package approval

import (
	"context"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// Gate applies approval requests and decisions.
type Gate struct {
	ledger *ledger.Ledger
}

// New returns a gate applying transitions through l.
func New(l *ledger.Ledger) *Gate {
	return &Gate{ledger: l}
}

// Request parks the running attempt identified by token until a decision is made.
func (g *Gate) Request(ctx context.Context, clusterID, jobID, token string) (store.Job, error) {
	return g.ledger.RequestApproval(ctx, clusterID, jobID, token)
}

// Decide approves or denies a job awaiting approval.
func (g *Gate) Decide(ctx context.Context, clusterID, jobID string, approved bool) (store.Job, error) {
	return g.ledger.Decide(ctx, clusterID, jobID, approved)
}

// Pending lists jobs of the cluster awaiting a decision, oldest first.
func (g *Gate) Pending(ctx context.Context, clusterID string) ([]store.Job, error) {
	return g.ledger.Store().ListJobs(ctx, store.JobFilter{
		ClusterID:        clusterID,
		AwaitingApproval: true,
		Limit:            models.DefaultJobListLimit,
	})
}
