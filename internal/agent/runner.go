package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Runner defaults.
const (
	DefaultWorkers       = 4
	DefaultSweepInterval = 30 * time.Second
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Workers int
	Sweep   time.Duration // how often non-terminal runs are re-enqueued
}

type runKey struct {
	cluster string
	run     string
}

const (
	queued = iota + 1
	active
	dirty
)

// Runner advances runs in the background. Work for one run is serialized; distinct runs
// advance concurrently on up to Workers goroutines.
type Runner struct {
	c       *Controller
	workers int
	sweep   time.Duration

	mu    sync.Mutex
	state map[runKey]int
	list  []runKey
	wake  chan struct{}
}

// NewRunner returns a runner for c.
func NewRunner(c *Controller, opts RunnerOptions) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Sweep <= 0 {
		opts.Sweep = DefaultSweepInterval
	}
	return &Runner{
		c:       c,
		workers: opts.Workers,
		sweep:   opts.Sweep,
		state:   make(map[runKey]int),
		wake:    make(chan struct{}, 1),
	}
}

// Attach enqueues a run whenever one of its jobs settles, is requeued, or asks for approval.
func (r *Runner) Attach(l *ledger.Ledger) {
	l.Subscribe(func(ch ledger.Change) {
		if ch.Job.RunID == "" {
			return
		}
		switch ch.Kind {
		case ledger.ChangeSettled, ledger.ChangeRequeued, ledger.ChangeApprovalRequested:
			r.Enqueue(ch.Job.ClusterID, ch.Job.RunID)
		}
	})
}

// Enqueue schedules the run for advancement. A run already queued is not queued twice; a run
// being advanced is advanced once more afterwards.
func (r *Runner) Enqueue(clusterID, runID string) {
	k := runKey{clusterID, runID}
	r.mu.Lock()
	switch r.state[k] {
	case 0:
		r.state[k] = queued
		r.list = append(r.list, k)
	case active:
		r.state[k] = dirty
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run starts the workers and the sweep, and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.resume(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.resume(ctx)
			}
		}
	})
	return g.Wait()
}

// resume enqueues every run that is not terminal, which picks up work left by a restart.
func (r *Runner) resume(ctx context.Context) {
	runs, err := r.c.store.ListRuns(ctx, store.RunFilter{
		Statuses: []string{models.RunStatusPending, models.RunStatusRunning, models.RunStatusPaused},
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("runner list runs failed", "err", err)
		}
		return
	}
	for _, run := range runs {
		r.Enqueue(run.ClusterID, run.ID)
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		k, ok := r.next(ctx)
		if !ok {
			return
		}
		if err := r.c.Advance(ctx, k.cluster, k.run); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				slog.Debug("run gone before advance", "run_id", k.run)
			case ctx.Err() == nil:
				slog.Warn("advance run failed", "cluster", k.cluster, "run_id", k.run, "err", err)
			}
		}
		r.done(k)
	}
}

func (r *Runner) next(ctx context.Context) (runKey, bool) {
	for {
		r.mu.Lock()
		if len(r.list) > 0 {
			k := r.list[0]
			r.list = r.list[1:]
			r.state[k] = active
			more := len(r.list) > 0
			r.mu.Unlock()
			if more {
				r.signal()
			}
			return k, true
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return runKey{}, false
		case <-r.wake:
		}
	}
}

func (r *Runner) done(k runKey) {
	r.mu.Lock()
	if r.state[k] == dirty {
		r.state[k] = queued
		r.list = append(r.list, k)
		r.mu.Unlock()
		r.signal()
		return
	}
	delete(r.state, k)
	r.mu.Unlock()
}
