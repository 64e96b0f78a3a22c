package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ankittk/jobplane/internal/agent"
	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/internal/agent/model/reasoner"
	"github.com/ankittk/jobplane/internal/approval"
	"github.com/ankittk/jobplane/internal/blob"
	"github.com/ankittk/jobplane/internal/capabilities"
	"github.com/ankittk/jobplane/internal/config"
	"github.com/ankittk/jobplane/internal/dispatch"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/httpapi"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/notify"
	"github.com/ankittk/jobplane/internal/otel"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/stall"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/internal/store/postgres"
	"github.com/ankittk/jobplane/internal/workflow"
	"github.com/ankittk/jobplane/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Node is one control-plane instance: the store, the components on top of it, and the HTTP
// app. Several nodes may share a PostgreSQL database.
type Node struct {
	Config   config.Config
	Store    store.Store
	Ledger   *ledger.Ledger
	App      *httpapi.App
	Monitor  *stall.Monitor
	Runner   *agent.Runner
	Notifier *notify.Notifier

	closers []func(context.Context) error
}

// Build opens the store and wires every component. home holds the SQLite database when the
// sqlite driver is configured.
func Build(ctx context.Context, home string, cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = n.Close(context.Background())
		}
	}()

	shutdownTracing, err := otel.InitTracing(ctx, cfg.Telemetry.ServiceName, otel.TracingOptions{
		Exporter:    cfg.Telemetry.Tracing.Exporter,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Insecure:    cfg.Telemetry.Tracing.Insecure,
		Headers:     cfg.Telemetry.Tracing.Headers,
		SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	n.closers = append(n.closers, shutdownTracing)

	st, err := openStore(home, cfg.DB)
	if err != nil {
		return nil, err
	}
	n.Store = st
	n.closers = append(n.closers, func(context.Context) error { return st.Close() })

	backend, err := blobBackend(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	blobs := blob.NewManager(st, backend, cfg.Blob.MaxBytes)

	mode, err := ledger.NormalizeApprovalMode(cfg.Policy.ApprovalMode)
	if err != nil {
		return nil, fmt.Errorf("policy.approvalMode: %w", err)
	}
	hub := httpapi.NewSSEHub()
	rec := events.NewRecorder(st, hub)
	n.Ledger = ledger.New(st, rec, ledger.Options{
		Defaults: models.Policy{
			TimeoutSeconds:    cfg.Policy.TimeoutSeconds,
			RetryCountOnStall: cfg.Policy.RetryCountOnStall,
			ApprovalMode:      mode,
		},
		Blobs: blobs,
	})
	reg := registry.New(st, config.Seconds(cfg.Dispatch.LivenessSeconds))
	dispatcher := dispatch.New(n.Ledger, reg, dispatch.Options{
		MaxWait: config.Seconds(cfg.Dispatch.MaxWaitSeconds),
		Recheck: config.Millis(cfg.Dispatch.RecheckMillis),
	})
	n.Monitor = stall.New(n.Ledger, config.Seconds(cfg.Stall.IntervalSeconds), cfg.Stall.Batch)
	reg.SetStallInterval(n.Monitor.Interval())

	n.Notifier = notify.New(capabilityRegistry(cfg.Notify), rec)
	n.Notifier.Attach(n.Ledger)

	m, closeModel, err := buildModel(cfg.Agent)
	if err != nil {
		return nil, err
	}
	if closeModel != nil {
		n.closers = append(n.closers, func(context.Context) error { return closeModel() })
	}
	ctrl := agent.NewController(n.Ledger, reg, rec, m, n.Notifier, agent.Options{
		MaxSteps:      cfg.Agent.MaxSteps,
		ContextBudget: cfg.Agent.ContextBudgetChars,
	})
	n.Runner = agent.NewRunner(ctrl, agent.RunnerOptions{
		Workers: cfg.Agent.Workers,
		Sweep:   config.Seconds(cfg.Agent.SweepSeconds),
	})
	n.Runner.Attach(n.Ledger)

	srvOpts := httpapi.ServerOptions{
		Addr:           cfg.Listen.Addr,
		APIKey:         cfg.Listen.APIKey,
		DefaultCluster: cfg.Cluster,
	}
	if cfg.Telemetry.Metrics {
		handler, err := otel.InitMeterProvider(ctx, cfg.Telemetry.ServiceName, cfg.Cluster)
		if err != nil {
			slog.Warn("otel init failed, using plain metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = handler
			srvOpts.UseOtelHTTP = true
			if err := otel.InitMetricsWithJobCount(ctx, st.CountJobsByStatus); err != nil {
				slog.Warn("otel instruments failed", "err", err)
			}
		}
	}
	n.App = httpapi.NewApp(httpapi.Deps{
		Store:      st,
		Ledger:     n.Ledger,
		Registry:   reg,
		Dispatcher: dispatcher,
		Gate:       approval.New(n.Ledger),
		Controller: ctrl,
		Runner:     n.Runner,
		Workflows:  workflow.New(n.Ledger, reg, rec),
		Blobs:      blobs,
		Events:     rec,
	}, hub, srvOpts)
	ok = true
	return n, nil
}

func openStore(home string, db config.DBConfig) (store.Store, error) {
	if db.Driver == "postgres" {
		st, err := postgres.OpenWithMaxConns(db.URL, db.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	}
	if home == "" {
		return nil, errors.New("home is required for the sqlite driver")
	}
	st, err := store.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return st, nil
}

func blobBackend(ctx context.Context, cfg config.BlobConfig) (blob.Backend, error) {
	if cfg.Backend != "minio" {
		return nil, nil
	}
	m, err := blob.NewMinIO(ctx, blob.MinIOOptions{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob backend: %w", err)
	}
	return m, nil
}

func capabilityRegistry(cfg config.NotifyConfig) *capabilities.Registry {
	reg := capabilities.NewRegistry()
	if cfg.SlackWebhook != "" {
		reg.Register("slack", capabilities.SlackWebhook{WebhookURL: cfg.SlackWebhook, Username: "jobplane"})
	}
	for i, u := range cfg.Webhooks {
		if u == "" {
			continue
		}
		name := "webhook"
		if i > 0 {
			name += "-" + strconv.Itoa(i+1)
		}
		reg.Register(name, capabilities.Webhook{URL: u})
	}
	return reg
}

// buildModel returns the configured reasoning model wrapped with retries, and a close
// function for providers holding a connection.
func buildModel(cfg config.AgentConfig) (model.Model, func() error, error) {
	var (
		m       model.Model
		closeFn func() error
	)
	timeout := config.Seconds(cfg.TimeoutSeconds)
	switch cfg.Provider {
	case "openai":
		o, err := model.NewOpenAI(model.OpenAIOptions{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Timeout:     timeout,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			slog.Warn("openai model unavailable, runs use the echo reasoner", "err", err)
			m = reasoner.Echo{}
		} else {
			m = o
		}
	case "grpc":
		c, err := reasoner.Dial(cfg.ReasonerAddr, timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("dial reasoner: %w", err)
		}
		m, closeFn = c, c.Close
	case "echo":
		m = reasoner.Echo{}
	default:
		return nil, nil, fmt.Errorf("agent.provider: unknown provider %q", cfg.Provider)
	}
	return model.WithRetry(m, model.RetryConfig{
		MaxAttempts: cfg.MaxRetries + 1,
		Backoff:     config.Millis(cfg.BackoffMillis),
	}), closeFn, nil
}

// Run serves the API and runs the background loops until ctx is cancelled or one of them
// fails.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.App.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.App.Server.Addr, err)
	}
	slog.Info("jobplane listening", "addr", ln.Addr().String(), "cluster", n.Config.Cluster, "db", n.Config.DB.Driver)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Monitor.Run(ctx) })
	g.Go(func() error { return n.Runner.Run(ctx) })
	g.Go(func() error { return n.Notifier.Run(ctx) })
	g.Go(func() error {
		err := n.App.Server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return n.App.Server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the store, the model connection and the tracer provider, in reverse order.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
