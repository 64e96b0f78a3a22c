// Package stall runs the periodic sweep that reclaims job attempts which exceeded their timeout.
package stall

import (
	"context"
	"log/slog"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
)

// Defaults for the sweep.
const (
	DefaultInterval = 5 * time.Second
	DefaultBatch    = 100
)

// Monitor periodically asks the ledger to recover stalled attempts.
type Monitor struct {
	ledger   *ledger.Ledger
	interval time.Duration
	batch    int
}

// New returns a monitor. interval <= 0 and batch <= 0 use the defaults.
func New(l *ledger.Ledger, interval time.Duration, batch int) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Monitor{ledger: l, interval: interval, batch: batch}
}

// Interval returns the sweep interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("stall monitor started", "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep recovers overdue attempts in batches until none remain and returns how many it handled.
func (m *Monitor) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := m.ledger.RecoverStalled(ctx, m.batch)
		total += n
		if err != nil {
			slog.Error("stall sweep failed", "err", err)
			break
		}
		if n < m.batch {
			break
		}
	}
	if total > 0 {
		slog.Info("stalled jobs handled", "count", total)
	}
	return total
}
