// Package worker runs Go functions as jobplane tools. A Worker registers its functions with
// the control plane, long-polls for jobs that target them, and submits each result with the
// attempt token it was handed.
//
//	w := worker.New(client.New("http://localhost:3548", ""), worker.Options{MachineID: "m1"})
//	worker.Register(w, "search", "lookup", lookup, worker.Description("Look up a record"))
//	err := w.Run(ctx)
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ankittk/jobplane/pkg/client"
	"github.com/ankittk/jobplane/pkg/models"
)

// Defaults for Options.
const (
	DefaultConcurrency = 4
	DefaultWaitTime    = 20 // seconds
	DefaultBackoff     = 2 * time.Second
)

// ErrApprovalRequested is returned by Call.RequestApproval. Handlers return it unchanged; the
// worker then submits nothing and the job is redelivered with Approved set once decided.
var ErrApprovalRequested = errors.New("approval requested")

// Options configures a Worker.
type Options struct {
	MachineID   string // defaults to "<hostname>-<random>"
	Concurrency int    // jobs handled at once
	WaitTime    int    // long-poll seconds per request
	Backoff     time.Duration
	Logger      *slog.Logger
}

// HandlerFunc handles one job. The returned value is marshalled as the resolution; a non-nil
// error becomes a rejection carrying its message.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type function struct {
	def     models.FunctionDefinition
	handler HandlerFunc
}

// Worker polls for and executes jobs.
type Worker struct {
	client *client.Client
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	functions map[string]function // by "service.function"
	workflows map[string]function // by dispatch target
	defs      []models.WorkflowDefinition
}

// New returns a worker that talks to the control plane through c.
func New(c *client.Client, opts Options) *Worker {
	if opts.MachineID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		opts.MachineID = host + "-" + uuid.NewString()[:8]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = DefaultWaitTime
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		client:    c,
		opts:      opts,
		log:       log.With("machine_id", opts.MachineID),
		functions: map[string]function{},
		workflows: map[string]function{},
	}
}

// MachineID returns the id the worker polls as.
func (w *Worker) MachineID() string { return w.opts.MachineID }

// Handle registers an untyped handler for service.name. schema may be nil.
func (w *Worker) Handle(service, name string, schema json.RawMessage, h HandlerFunc, opts ...FunctionOption) {
	def := models.FunctionDefinition{Service: service, Name: name, Schema: schema}
	for _, o := range opts {
		o(&def)
	}
	w.mu.Lock()
	w.functions[service+"."+name] = function{def: def, handler: h}
	w.mu.Unlock()
}

// HandleWorkflow registers the handler for one version of a workflow. The handler receives the
// execution input and typically creates runs or jobs of its own through the client.
func (w *Worker) HandleWorkflow(name string, version int, h HandlerFunc) {
	target := fmt.Sprintf("%s.%s.%d", models.WorkflowService, name, version)
	w.mu.Lock()
	w.workflows[target] = function{handler: h}
	w.defs = append(w.defs, models.WorkflowDefinition{Name: name, Version: version})
	w.mu.Unlock()
}

// Register adds a typed handler for service.name. The input schema is reflected from In and
// each job input is decoded into a fresh In before fn runs.
func Register[In any](w *Worker, service, name string, fn func(ctx context.Context, call *Call, in In) (any, error), opts ...FunctionOption) error {
	schema, err := Reflect[In]()
	if err != nil {
		return fmt.Errorf("reflect %s.%s input: %w", service, name, err)
	}
	w.Handle(service, name, schema, func(ctx context.Context, call *Call) (any, error) {
		var in In
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
		}
		return fn(ctx, call, in)
	}, opts...)
	return nil
}

// RegisterWithMachine advertises every registered function and workflow.
func (w *Worker) RegisterWithMachine(ctx context.Context) error {
	w.mu.Lock()
	req := models.RegisterRequest{MachineID: w.opts.MachineID, Workflows: append([]models.WorkflowDefinition(nil), w.defs...)}
	for _, fn := range w.functions {
		req.Functions = append(req.Functions, fn.def)
	}
	w.mu.Unlock()
	sort.Slice(req.Functions, func(i, j int) bool {
		return req.Functions[i].Service+"."+req.Functions[i].Name < req.Functions[j].Service+"."+req.Functions[j].Name
	})
	return w.client.Register(ctx, req)
}

func (w *Worker) targets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.functions)+len(w.workflows))
	for t := range w.functions {
		out = append(out, t)
	}
	for t := range w.workflows {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) lookup(j *models.Job) (function, bool) {
	target := j.Service + "." + j.Function
	w.mu.Lock()
	defer w.mu.Unlock()
	if j.Service == models.WorkflowService {
		fn, ok := w.workflows[target]
		return fn, ok
	}
	fn, ok := w.functions[target]
	return fn, ok
}

// Run registers, then polls on Concurrency goroutines until ctx is cancelled. Poll errors are
// logged and retried after Backoff.
func (w *Worker) Run(ctx context.Context) error {
	targets := w.targets()
	if len(targets) == 0 {
		return errors.New("worker has no functions")
	}
	if err := w.RegisterWithMachine(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.log.Info("worker started", "functions", strings.Join(targets, ","), "concurrency", w.opts.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx, targets)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, targets []string) {
	for ctx.Err() == nil {
		job, err := w.client.Poll(ctx, models.PollRequest{MachineID: w.opts.MachineID, Functions: targets, WaitTime: w.opts.WaitTime})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.Backoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Execute(ctx, job)
	}
}

// Execute runs the handler for a claimed job and submits its outcome.
func (w *Worker) Execute(ctx context.Context, job *models.Job) {
	log := w.log.With("job_id", job.ID, "target", job.Service+"."+job.Function, "attempt", job.AttemptCount)
	fn, ok := w.lookup(job)
	if !ok {
		log.Warn("no handler for claimed job")
		w.submit(ctx, log, job, rejection(fmt.Errorf("no handler for %s.%s", job.Service, job.Function)))
		return
	}
	call := &Call{
		JobID:        job.ID,
		Service:      job.Service,
		Function:     job.Function,
		Input:        job.Input,
		Approved:     job.Approved,
		AttemptCount: job.AttemptCount,
		RunID:        job.RunID,
		ExecutionID:  job.ExecutionID,
		token:        job.AttemptToken,
		client:       w.client,
	}
	out, err := safeCall(ctx, fn.handler, call)
	if errors.Is(err, ErrApprovalRequested) {
		log.Info("job parked for approval")
		return
	}
	var req models.ResultRequest
	if err != nil {
		log.Debug("handler rejected", "err", err)
		req = rejection(err)
	} else {
		raw, merr := json.Marshal(out)
		if merr != nil {
			req = rejection(fmt.Errorf("marshal result: %w", merr))
		} else {
			req = models.ResultRequest{ResultType: models.ResultTypeResolution, Result: raw}
		}
	}
	req.Blobs = call.blobs
	w.submit(ctx, log, job, req)
}

func (w *Worker) submit(ctx context.Context, log *slog.Logger, job *models.Job, req models.ResultRequest) {
	req.AttemptToken = job.AttemptToken
	if _, err := w.client.SubmitResult(ctx, job.ID, req); err != nil {
		switch client.ErrorCode(err) {
		case models.CodeStaleAttempt, models.CodeJobNoLongerActive:
			log.Info("result discarded", "reason", client.ErrorCode(err))
		default:
			log.Warn("submit result failed", "err", err)
		}
	}
}

func safeCall(ctx context.Context, h HandlerFunc, call *Call) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, call)
}

func rejection(err error) models.ResultRequest {
	raw, _ := json.Marshal(map[string]string{"message": err.Error()})
	return models.ResultRequest{ResultType: models.ResultTypeRejection, Result: raw}
}
