package model

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryConfig controls retries of failed model calls.
type RetryConfig struct {
	MaxAttempts int           // total attempts; < 1 means 1
	Backoff     time.Duration // first delay, doubled per attempt; zero means no delay
	MaxBackoff  time.Duration // zero means 30s
	ShouldRetry func(error) bool
}

// WithRetry wraps m so failed steps are retried with exponential backoff.
func WithRetry(m Model, cfg RetryConfig) Model {
	if m == nil {
		return nil
	}
	return &retryModel{next: m, cfg: cfg}
}

type retryModel struct {
	next Model
	cfg  RetryConfig
}

func (r *retryModel) Step(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	attempts := r.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	maxBackoff := r.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	delay := r.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.next.Step(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !r.shouldRetry(ctx, err) {
			break
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			delay = min(delay*2, maxBackoff)
		}
	}
	return nil, lastErr
}

func (r *retryModel) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if r.cfg.ShouldRetry != nil {
		return r.cfg.ShouldRetry(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
