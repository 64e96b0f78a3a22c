package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	jobOpsCounter       metric.Int64Counter
	stallsCounter       metric.Int64Counter
	modelCallsCounter   metric.Int64Counter
	modelCallDuration   metric.Float64Histogram
	pollWaitDuration    metric.Float64Histogram
	runStepsCounter     metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		jobOpsCounter, err = m.Int64Counter("jobplane_job_operations_total", metric.WithDescription("Total ledger operations (create, claim, result, approval, cancel)"))
		if err != nil {
			return
		}
		stallsCounter, err = m.Int64Counter("jobplane_job_stalls_total", metric.WithDescription("Job attempts detected as stalled, by outcome"))
		if err != nil {
			return
		}
		modelCallsCounter, err = m.Int64Counter("jobplane_model_calls_total", metric.WithDescription("Reasoning model calls, by outcome"))
		if err != nil {
			return
		}
		modelCallDuration, err = m.Float64Histogram("jobplane_model_call_duration_seconds", metric.WithDescription("Reasoning model call duration in seconds"))
		if err != nil {
			return
		}
		pollWaitDuration, err = m.Float64Histogram("jobplane_poll_wait_seconds", metric.WithDescription("Time a long-poll waited before returning"))
		if err != nil {
			return
		}
		runStepsCounter, err = m.Int64Counter("jobplane_run_steps_total", metric.WithDescription("Agent run steps executed"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("jobplane_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("jobplane_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordJobOp records a ledger operation and the job status it left behind.
func RecordJobOp(ctx context.Context, op, cluster, status string) {
	if jobOpsCounter == nil {
		return
	}
	jobOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrCluster.String(cluster),
		AttrStatus.String(status),
	))
}

// RecordStall records a stalled attempt; outcome is "recovered" or "exhausted".
func RecordStall(ctx context.Context, cluster, outcome string) {
	if stallsCounter != nil {
		stallsCounter.Add(ctx, 1, metric.WithAttributes(AttrCluster.String(cluster), attribute.String("outcome", outcome)))
	}
}

// RecordModelCall records one reasoning model call and its duration.
func RecordModelCall(ctx context.Context, cluster string, ok bool, duration time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	if modelCallsCounter != nil {
		modelCallsCounter.Add(ctx, 1, metric.WithAttributes(AttrCluster.String(cluster), attribute.String("outcome", outcome)))
	}
	if modelCallDuration != nil {
		modelCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrCluster.String(cluster)))
	}
}

// RecordPollWait records how long a poll waited and whether it returned a job.
func RecordPollWait(ctx context.Context, cluster string, claimed bool, duration time.Duration) {
	if pollWaitDuration != nil {
		pollWaitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrCluster.String(cluster), attribute.Bool("claimed", claimed)))
	}
}

// RecordRunStep records one agent run step.
func RecordRunStep(ctx context.Context, cluster string) {
	if runStepsCounter != nil {
		runStepsCounter.Add(ctx, 1, metric.WithAttributes(AttrCluster.String(cluster)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// JobCountFunc returns job counts keyed by status. Used for the jobplane_jobs gauge.
type JobCountFunc func(ctx context.Context) (map[string]int64, error)

// InitMetricsWithJobCount creates instruments and optionally registers a callback for job gauges.
// Call after InitMeterProvider. If jobCount is nil, job gauges are not reported.
func InitMetricsWithJobCount(ctx context.Context, jobCount JobCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if jobCount == nil {
		return nil
	}
	m := Meter()
	jobsGauge, err := m.Int64ObservableGauge("jobplane_jobs", metric.WithDescription("Number of jobs by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := jobCount(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(jobsGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, jobsGauge)
	return err
}
