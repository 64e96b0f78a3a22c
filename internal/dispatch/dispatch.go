// Package dispatch matches polling machines to claimable jobs with long-poll semantics.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/otel"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// Options configures a Dispatcher.
type Options struct {
	// MaxWait caps the long-poll wait; zero means models.MaxPollWait seconds.
	MaxWait time.Duration
	// Recheck is how often a waiting poll retries the claim without a wake-up, which covers jobs
	// made claimable by another instance sharing the database. Zero means one second.
	Recheck time.Duration
}

// Dispatcher hands the oldest claimable job to a polling machine.
type Dispatcher struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	maxWait  time.Duration
	recheck  time.Duration

	mu   sync.Mutex
	wake chan struct{}
}

// New returns a dispatcher that is woken by ledger transitions making jobs claimable.
func New(l *ledger.Ledger, reg *registry.Registry, opts Options) *Dispatcher {
	d := &Dispatcher{
		ledger:   l,
		registry: reg,
		maxWait:  opts.MaxWait,
		recheck:  opts.Recheck,
		wake:     make(chan struct{}),
	}
	if d.maxWait <= 0 {
		d.maxWait = models.MaxPollWait * time.Second
	}
	if d.recheck <= 0 {
		d.recheck = time.Second
	}
	l.Subscribe(func(c ledger.Change) {
		switch c.Kind {
		case ledger.ChangeCreated, ledger.ChangeRequeued:
			d.broadcast()
		}
	})
	return d
}

func (d *Dispatcher) broadcast() {
	d.mu.Lock()
	close(d.wake)
	d.wake = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dispatcher) signal() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wake
}

// Poll claims a job for machineID among targets, waiting up to wait for one to become claimable.
// It returns nil without error when the wait elapses.
func (d *Dispatcher) Poll(ctx context.Context, clusterID, machineID string, targets []string, wait time.Duration) (*store.Job, error) {
	if machineID == "" {
		return nil, fmt.Errorf("%w: machineId is required", store.ErrInvalid)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one function is required", store.ErrInvalid)
	}
	ctx, span := otel.StartSpan(ctx, "dispatch.Poll", otel.AttrCluster.String(clusterID))
	defer span.End()
	if d.registry != nil {
		if err := d.registry.Touch(ctx, clusterID, machineID, targets); err != nil {
			slog.Warn("machine liveness update failed", "err", err, "machine_id", machineID)
		}
	}
	if wait > d.maxWait {
		wait = d.maxWait
	}
	start := time.Now()
	deadline := start.Add(wait)
	for {
		sig := d.signal()
		j, err := d.ledger.Claim(ctx, clusterID, machineID, targets)
		if err != nil {
			return nil, err
		}
		if j != nil {
			otel.RecordPollWait(ctx, clusterID, true, time.Since(start))
			return j, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			otel.RecordPollWait(ctx, clusterID, false, time.Since(start))
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, d.recheck))
		select {
		case <-sig:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}
