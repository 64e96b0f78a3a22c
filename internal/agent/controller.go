// Package agent drives runs: it assembles context from the message log, asks the model for a
// step, turns tool calls into ledger jobs, and folds job outcomes back into the log. All state
// lives in the store, so a run resumes after a restart by re-reading its messages and jobs.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/notify"
	"github.com/ankittk/jobplane/internal/otel"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/schema"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
	"github.com/google/uuid"
)

// DefaultMaxSteps bounds model calls per run.
const DefaultMaxSteps = 20

const (
	maxCASAttempts   = 8
	maxSchemaRetries = 1
)

var errUnchanged = errors.New("unchanged")

// Options configures a Controller.
type Options struct {
	MaxSteps      int
	ContextBudget int // characters; 0 means DefaultContextBudget, negative disables trimming
	Now           func() time.Time
}

// Controller owns run state transitions.
type Controller struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	events   *events.Recorder
	model    model.Model
	notifier *notify.Notifier
	maxSteps int
	budget   int
	now      func() time.Time
}

// NewController returns a controller. n may be nil.
func NewController(l *ledger.Ledger, reg *registry.Registry, rec *events.Recorder, m model.Model, n *notify.Notifier, opts Options) *Controller {
	c := &Controller{
		store:    l.Store(),
		ledger:   l,
		registry: reg,
		events:   rec,
		model:    m,
		notifier: n,
		maxSteps: opts.MaxSteps,
		budget:   opts.ContextBudget,
		now:      opts.Now,
	}
	if c.maxSteps <= 0 {
		c.maxSteps = DefaultMaxSteps
	}
	if c.budget == 0 {
		c.budget = DefaultContextBudget
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// CreateRun validates req, persists the run and its opening message. A run config, when named,
// supplies any prompt, schema, or function list the request leaves empty.
func (c *Controller) CreateRun(ctx context.Context, clusterID string, req models.CreateRunRequest) (store.Run, error) {
	now := c.now()
	run := store.Run{
		ID:                req.ID,
		ClusterID:         clusterID,
		Name:              req.Name,
		Status:            models.RunStatusPending,
		SystemPrompt:      req.SystemPrompt,
		AttachedFunctions: req.AttachedFunctions,
		ResultSchema:      req.ResultSchema,
		InputSchema:       req.InputSchema,
		Input:             req.Input,
		ExecutionID:       req.WorkflowExecutionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	prompt := strings.TrimSpace(req.InitialPrompt)
	templateID := ""
	if req.RunConfigID != "" {
		cfg, err := c.store.GetRunConfig(ctx, clusterID, req.RunConfigID)
		if err != nil {
			return store.Run{}, err
		}
		run.RunConfigID, run.RunConfigVersion = cfg.ID, cfg.Version
		if run.SystemPrompt == "" {
			run.SystemPrompt = cfg.SystemPrompt
		}
		if len(run.AttachedFunctions) == 0 {
			run.AttachedFunctions = cfg.AttachedFunctions
		}
		if len(run.ResultSchema) == 0 {
			run.ResultSchema = cfg.ResultSchema
		}
		if len(run.InputSchema) == 0 {
			run.InputSchema = cfg.InputSchema
		}
		if prompt == "" && cfg.InitialPrompt != "" {
			prompt, templateID = cfg.InitialPrompt, cfg.ID
		}
	}
	if len(run.ResultSchema) > 0 {
		if _, err := schema.Compile(run.ResultSchema); err != nil {
			return store.Run{}, fmt.Errorf("%w: resultSchema: %v", store.ErrInvalid, err)
		}
	}
	switch {
	case len(run.InputSchema) > 0:
		if len(run.Input) == 0 {
			return store.Run{}, fmt.Errorf("%w: input is required by inputSchema", store.ErrInvalid)
		}
		if err := schema.Validate(run.InputSchema, run.Input); err != nil {
			return store.Run{}, fmt.Errorf("%w: input: %v", store.ErrInvalid, err)
		}
	case len(run.Input) > 0 && !json.Valid(run.Input):
		return store.Run{}, fmt.Errorf("%w: input is not valid JSON", store.ErrInvalid)
	}

	text := prompt
	if len(run.Input) > 0 {
		text = strings.TrimSpace(text + "\n\n<input>\n" + string(run.Input) + "\n</input>")
	}
	if text != "" {
		run.Status = models.RunStatusRunning
	}
	saved, err := c.store.CreateRun(ctx, run)
	if err != nil {
		return store.Run{}, err
	}
	if text != "" {
		first := models.NewHumanMessage(text)
		if templateID != "" {
			first = models.NewTemplateMessage(templateID, text)
		}
		if _, err := c.appendMessage(ctx, saved, first); err != nil {
			return store.Run{}, err
		}
	}
	c.events.PublishRun(saved)
	return saved, nil
}

// GetRun returns the run with its decoded message log.
func (c *Controller) GetRun(ctx context.Context, clusterID, runID string) (models.Run, error) {
	r, err := c.store.GetRun(ctx, clusterID, runID)
	if err != nil {
		return models.Run{}, err
	}
	raw, err := c.store.ListMessages(ctx, clusterID, runID)
	if err != nil {
		return models.Run{}, err
	}
	msgs, err := store.MessageModels(raw)
	if err != nil {
		return models.Run{}, err
	}
	out := store.RunModel(r)
	out.Messages = msgs
	return out, nil
}

// AddHumanMessage appends text to the run. A finished run re-enters running; a failed run
// rejects the message with ErrRunNotActive.
func (c *Controller) AddHumanMessage(ctx context.Context, clusterID, runID, text string) (store.Run, error) {
	if strings.TrimSpace(text) == "" {
		return store.Run{}, fmt.Errorf("%w: message is required", store.ErrInvalid)
	}
	run, changed, err := c.updateRun(ctx, clusterID, runID, func(r *store.Run) error {
		switch r.Status {
		case models.RunStatusFailed:
			return fmt.Errorf("run %s: %w", r.ID, store.ErrRunNotActive)
		case models.RunStatusDone, models.RunStatusPending:
			r.Status = models.RunStatusRunning
			r.SchemaRetries = 0
			return nil
		}
		return errUnchanged
	})
	if err != nil {
		return store.Run{}, err
	}
	if _, err := c.appendMessage(ctx, run, models.NewHumanMessage(text)); err != nil {
		return store.Run{}, err
	}
	if changed {
		c.events.PublishRun(run)
	}
	return run, nil
}

// Feedback records a caller score on the run.
func (c *Controller) Feedback(ctx context.Context, clusterID, runID string, score float64) (store.Run, error) {
	run, _, err := c.updateRun(ctx, clusterID, runID, func(r *store.Run) error {
		r.FeedbackScore = &score
		return nil
	})
	return run, err
}

// DeleteRun cancels the run's open jobs and removes the run with its messages.
func (c *Controller) DeleteRun(ctx context.Context, clusterID, runID string) error {
	if _, err := c.store.GetRun(ctx, clusterID, runID); err != nil {
		return err
	}
	if _, err := c.ledger.CancelJobs(ctx, store.JobFilter{ClusterID: clusterID, RunID: runID}); err != nil {
		return err
	}
	return c.store.DeleteRun(ctx, clusterID, runID)
}

// Advance moves the run forward until it waits on jobs, an approval, or a human, or reaches a
// terminal status. Calling it again without new input is a no-op.
func (c *Controller) Advance(ctx context.Context, clusterID, runID string) error {
	ctx, span := otel.StartSpan(ctx, "agent.Advance", otel.AttrCluster.String(clusterID), otel.AttrRunID.String(runID))
	defer span.End()
	for {
		run, err := c.store.GetRun(ctx, clusterID, runID)
		if err != nil {
			return err
		}
		if terminalRun(run.Status) {
			return nil
		}
		again, err := c.step(ctx, run)
		if err != nil || !again {
			return err
		}
	}
}

// step performs one unit of progress and reports whether another may follow immediately.
func (c *Controller) step(ctx context.Context, run store.Run) (bool, error) {
	raw, err := c.store.ListMessages(ctx, run.ClusterID, run.ID)
	if err != nil {
		return false, err
	}
	msgs, err := store.MessageModels(raw)
	if err != nil {
		return false, err
	}
	ix := newIndex(msgs)

	if pending := ix.outstanding(); len(pending) > 0 {
		st, err := c.collect(ctx, run, ix, pending, &msgs)
		if err != nil {
			return false, err
		}
		if st.fail != nil {
			return false, c.fail(ctx, run, st.fail.reason, st.fail.detail, false)
		}
		if st.open > 0 {
			want := models.RunStatusRunning
			if st.awaitingApproval {
				want = models.RunStatusPaused
			}
			if run.Status != want {
				_, err := c.transition(ctx, run, func(r *store.Run) { r.Status = want })
				return false, err
			}
			return false, nil
		}
	}
	if !ix.needsStep() {
		return false, nil
	}
	if run.Step >= c.maxSteps {
		return false, c.fail(ctx, run, models.ReasonMaxStepsExceeded, fmt.Sprintf("run reached %d steps", c.maxSteps), false)
	}

	ts, err := loadToolset(ctx, c.registry, run.ClusterID, run.AttachedFunctions)
	if err != nil {
		return false, err
	}
	req := model.Request{
		RunID:        run.ID,
		SystemPrompt: run.SystemPrompt,
		Turns:        buildTurns(msgs, c.budget),
		Tools:        ts.tools,
		ResultSchema: run.ResultSchema,
	}
	start := time.Now()
	resp, err := c.model.Step(ctx, req)
	otel.RecordModelCall(ctx, run.ClusterID, err == nil, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		_, uerr := c.transition(ctx, run, func(r *store.Run) {
			r.ModelFailures++
			fillFailure(r, models.ReasonModelExhausted, err.Error())
		})
		return false, uerr
	}
	otel.RecordRunStep(ctx, run.ClusterID)

	if len(resp.ToolCalls) > 0 {
		return c.issue(ctx, run, ts, resp)
	}
	return c.conclude(ctx, run, resp)
}

// issue records the agent message carrying the model's tool calls. Jobs are created on the
// next step, after the message is durable.
func (c *Controller) issue(ctx context.Context, run store.Run, ts *toolset, resp *model.Response) (bool, error) {
	msg := models.AgentMessage{Message: resp.Message}
	for _, tc := range resp.ToolCalls {
		inv := models.Invocation{
			ID:        uuid.NewString(),
			ToolName:  tc.Name,
			Input:     tc.Arguments,
			Reasoning: tc.Reasoning,
		}
		if def, ok := ts.resolve(tc.Name); ok {
			inv.Service, inv.Function = def.Service, def.Name
		}
		msg.Invocations = append(msg.Invocations, inv)
	}
	if _, err := c.appendMessage(ctx, run, models.NewAgentMessage(msg)); err != nil {
		return false, err
	}
	_, err := c.transition(ctx, run, func(r *store.Run) {
		r.Step++
		r.Status = models.RunStatusRunning
	})
	return err == nil, err
}

// conclude handles a step without tool calls: the model's final answer.
func (c *Controller) conclude(ctx context.Context, run store.Run, resp *model.Response) (bool, error) {
	msg := models.AgentMessage{Message: resp.Message, Result: resp.Result}
	if len(run.ResultSchema) == 0 {
		if strings.TrimSpace(resp.Message) == "" && len(resp.Result) == 0 {
			return false, c.fail(ctx, run, models.ReasonNoViableStep, "model returned neither a message nor a tool call", true)
		}
		if _, err := c.appendMessage(ctx, run, models.NewAgentMessage(msg)); err != nil {
			return false, err
		}
		_, err := c.transition(ctx, run, func(r *store.Run) {
			r.Step++
			r.Status = models.RunStatusDone
			r.Result = resp.Result
		})
		return false, err
	}

	doc := resp.Result
	if len(doc) == 0 {
		doc = extractJSON(resp.Message)
	}
	var verr error
	if doc == nil {
		verr = errors.New("response did not contain a JSON result")
	} else {
		verr = schema.Validate(run.ResultSchema, doc)
	}
	msg.Result = nil
	if verr == nil {
		msg.Result = doc
	}
	if _, err := c.appendMessage(ctx, run, models.NewAgentMessage(msg)); err != nil {
		return false, err
	}
	switch {
	case verr == nil:
		_, err := c.transition(ctx, run, func(r *store.Run) {
			r.Step++
			r.Status = models.RunStatusDone
			r.Result = doc
		})
		return false, err
	case run.SchemaRetries < maxSchemaRetries:
		correction := models.NewSupervisorMessage("The result does not match the required schema. Reply with a JSON result that conforms to it.", verr.Error())
		if _, err := c.appendMessage(ctx, run, correction); err != nil {
			return false, err
		}
		_, err := c.transition(ctx, run, func(r *store.Run) {
			r.Step++
			r.SchemaRetries++
		})
		return err == nil, err
	}
	return false, c.fail(ctx, run, models.ReasonSchemaValidation, verr.Error(), true)
}

type failure struct {
	reason string
	detail string
}

type collected struct {
	open             int
	awaitingApproval bool
	fail             *failure
}

// collect makes sure every outstanding invocation has a job and appends results for the ones
// that reached a terminal status.
func (c *Controller) collect(ctx context.Context, run store.Run, ix *invocationIndex, pending []models.Invocation, msgs *[]models.Message) (collected, error) {
	var st collected
	jobs, err := c.store.ListJobs(ctx, store.JobFilter{ClusterID: run.ClusterID, RunID: run.ID})
	if err != nil {
		return st, err
	}
	byInvocation := make(map[string]store.Job, len(jobs))
	for _, j := range jobs {
		byInvocation[j.InvocationID] = j
	}
	for _, inv := range pending {
		var res *models.InvocationResult
		job, ok := byInvocation[inv.ID]
		if !ok {
			job, res, err = c.createJob(ctx, run, inv)
			if err != nil {
				return st, err
			}
		}
		if res == nil {
			if !job.Terminal() {
				st.open++
				if job.AwaitingApproval() {
					st.awaitingApproval = true
				}
				continue
			}
			var f *failure
			res, f = outcome(inv, job)
			if f != nil && st.fail == nil {
				st.fail = f
			}
		}
		m, err := c.appendMessage(ctx, run, models.NewResultMessage(*res))
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return st, err
		}
		ix.add(m)
		*msgs = append(*msgs, m)
	}
	return st, nil
}

// createJob issues the job for inv. Calls the ledger cannot accept become synthesized
// rejections so the model can correct itself.
func (c *Controller) createJob(ctx context.Context, run store.Run, inv models.Invocation) (store.Job, *models.InvocationResult, error) {
	if inv.Service == "" {
		return store.Job{}, synthesized(inv, models.CodeUnknownFunction, fmt.Sprintf("unknown tool %q", inv.ToolName)), nil
	}
	def, err := c.registry.Lookup(ctx, run.ClusterID, inv.Service, inv.Function)
	if errors.Is(err, store.ErrNotFound) {
		return store.Job{}, synthesized(inv, models.CodeUnknownFunction, fmt.Sprintf("function %s.%s is not registered", inv.Service, inv.Function)), nil
	}
	if err != nil {
		return store.Job{}, nil, err
	}
	if len(def.Schema) > 0 {
		input := inv.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if verr := schema.Validate(def.Schema, input); verr != nil {
			return store.Job{}, synthesized(inv, models.CodeInvalidRequest, "input does not match the function schema: "+verr.Error()), nil
		}
	}
	job, _, err := c.ledger.CreateJob(ctx, ledger.CreateParams{
		ClusterID:    run.ClusterID,
		Service:      inv.Service,
		Function:     inv.Function,
		Input:        inv.Input,
		RunID:        run.ID,
		InvocationID: inv.ID,
		ExecutionID:  run.ExecutionID,
	})
	switch {
	case errors.Is(err, store.ErrUnknownFunction):
		return store.Job{}, synthesized(inv, models.CodeUnknownFunction, err.Error()), nil
	case errors.Is(err, store.ErrInvalid):
		return store.Job{}, synthesized(inv, models.CodeInvalidRequest, err.Error()), nil
	case err != nil:
		return store.Job{}, nil, err
	}
	return job, nil, nil
}

// outcome converts a terminal job into the invocation result and, when the run cannot
// continue, the failure to apply.
func outcome(inv models.Invocation, j store.Job) (*models.InvocationResult, *failure) {
	res := &models.InvocationResult{InvocationID: inv.ID, JobID: j.ID, ToolName: inv.ToolName}
	target := j.Target()
	switch j.Status {
	case models.JobStatusSuccess:
		res.ResultType, res.Result = j.ResultType, j.Result
		if j.ResultType == models.ResultTypeRejection && j.Policy.NonRecoverable {
			return res, &failure{models.ReasonApplicationRejection, target + " rejected the call"}
		}
		return res, nil
	case models.JobStatusCancelled:
		res.ResultType, res.Synthesized, res.Reason = models.ResultTypeRejection, true, models.ReasonCancelled
		res.Result = rejectionBody("the call was cancelled")
		return res, nil
	}
	res.ResultType, res.Synthesized, res.Reason = models.ResultTypeRejection, true, j.FailureReason
	if j.FailureReason == models.ReasonApprovalDenied {
		res.Result = rejectionBody("the call was denied by an approver")
		if j.Policy.NonRecoverable {
			return res, &failure{models.ReasonApprovalDenied, target + " was denied"}
		}
		return res, nil
	}
	reason := j.FailureReason
	if reason == "" {
		reason = models.ReasonStallExhaustion
	}
	res.Result = rejectionBody("the call did not complete: " + reason)
	return res, &failure{reason, target + " failed: " + reason}
}

func synthesized(inv models.Invocation, reason, text string) *models.InvocationResult {
	return &models.InvocationResult{
		InvocationID: inv.ID,
		ToolName:     inv.ToolName,
		ResultType:   models.ResultTypeRejection,
		Result:       rejectionBody(text),
		Synthesized:  true,
		Reason:       reason,
	}
}

func rejectionBody(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": text})
	return b
}

// extractJSON returns the JSON document in text, unwrapping a fenced code block.
func extractJSON(text string) json.RawMessage {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func (c *Controller) fail(ctx context.Context, run store.Run, reason, detail string, stepped bool) error {
	_, err := c.transition(ctx, run, func(r *store.Run) {
		if stepped {
			r.Step++
		}
		fillFailure(r, reason, detail)
	})
	return err
}

func fillFailure(r *store.Run, reason, detail string) {
	r.Status = models.RunStatusFailed
	r.FailureReason = reason
	r.FailureDetail = detail
}

// transition applies fn to a non-terminal run and publishes the result. A run that becomes
// terminal cancels its open jobs and triggers the finish notification.
func (c *Controller) transition(ctx context.Context, run store.Run, fn func(r *store.Run)) (store.Run, error) {
	updated, changed, err := c.updateRun(ctx, run.ClusterID, run.ID, func(r *store.Run) error {
		if terminalRun(r.Status) {
			return errUnchanged
		}
		fn(r)
		return nil
	})
	if err != nil || !changed {
		return updated, err
	}
	c.events.PublishRun(updated)
	if terminalRun(updated.Status) {
		if updated.Status == models.RunStatusFailed {
			if _, err := c.ledger.CancelJobs(ctx, store.JobFilter{ClusterID: updated.ClusterID, RunID: updated.ID}); err != nil {
				return updated, err
			}
		}
		if c.notifier != nil {
			c.notifier.RunFinished(updated)
		}
	}
	return updated, nil
}

func (c *Controller) updateRun(ctx context.Context, clusterID, runID string, fn func(r *store.Run) error) (store.Run, bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		r, err := c.store.GetRun(ctx, clusterID, runID)
		if err != nil {
			return store.Run{}, false, err
		}
		if err := fn(&r); err != nil {
			if errors.Is(err, errUnchanged) {
				return r, false, nil
			}
			return store.Run{}, false, err
		}
		r.UpdatedAt = c.now()
		saved, err := c.store.UpdateRun(ctx, r)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return store.Run{}, false, err
		}
		return saved, true, nil
	}
	return store.Run{}, false, fmt.Errorf("update run %s: %w", runID, store.ErrConflict)
}

func (c *Controller) appendMessage(ctx context.Context, run store.Run, m models.Message) (models.Message, error) {
	data, err := m.EncodeData()
	if err != nil {
		return models.Message{}, err
	}
	sm := store.Message{
		ID:        uuid.NewString(),
		ClusterID: run.ClusterID,
		RunID:     run.ID,
		Type:      m.Type,
		Data:      data,
		CreatedAt: c.now(),
	}
	if m.Type == models.MessageInvocationResult {
		sm.InvocationID = m.InvocationResult.InvocationID
	}
	saved, err := c.store.AppendMessage(ctx, sm)
	if err != nil {
		return models.Message{}, err
	}
	return store.MessageModel(saved)
}

func terminalRun(status string) bool {
	return status == models.RunStatusDone || status == models.RunStatusFailed
}
