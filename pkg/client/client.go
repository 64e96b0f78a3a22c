// Package client provides a Go SDK for the jobplane HTTP API: the worker-facing protocol
// (register, poll, result, approval) and the caller-facing runs, jobs and workflows.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ankittk/jobplane/pkg/models"
)

// Client calls the jobplane HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; set for X-API-Key
	Cluster    string       // optional; sent as X-Cluster-ID
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// APIError is a non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Code    string // models.Code*, empty when the body carried none
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.Status)
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.Cluster != "" {
		req.Header.Set("X-Cluster-ID", c.Cluster)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody models.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Worker-facing

// Register advertises functions and workflows for a machine.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/register", req, nil)
}

// Poll long-polls for one job. It returns nil when the wait elapses without a claim.
func (c *Client) Poll(ctx context.Context, req models.PollRequest) (*models.Job, error) {
	var out models.PollResponse
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/poll", req, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// Ack confirms the attempt is still the active one.
func (c *Client) Ack(ctx context.Context, jobID, token string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/ack", models.AckRequest{AttemptToken: token}, nil)
}

// SubmitResult reports the outcome of an attempt.
func (c *Client) SubmitResult(ctx context.Context, jobID string, req models.ResultRequest) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/result", req, &out)
	return &out, err
}

// RequestApproval parks the running attempt until a decision is made.
func (c *Client) RequestApproval(ctx context.Context, jobID, token string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/request-approval", models.ApprovalRequest{AttemptToken: token}, &out)
	return &out, err
}

// Jobs and functions

// Decide approves or denies a job awaiting approval.
func (c *Client) Decide(ctx context.Context, jobID string, approved bool) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/approval", models.ApprovalDecision{Approved: approved}, &out)
	return &out, err
}

// ListFunctions returns the available functions, or every registered one when all is set.
func (c *Client) ListFunctions(ctx context.Context, all bool) ([]models.FunctionDefinition, error) {
	path := "/functions"
	if all {
		path += "?all=true"
	}
	var out []models.FunctionDefinition
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ListMachines returns machines with their advertised services.
func (c *Client) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine
	err := c.doJSON(ctx, http.MethodGet, "/machines", nil, &out)
	return out, err
}

// CreateJob issues a direct call outside any run.
func (c *Client) CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &out)
	return &out, err
}

// JobQuery filters ListJobs. Empty fields are ignored.
type JobQuery struct {
	Status      string
	RunID       string
	ExecutionID string
	Service     string
	Limit       int
}

func (q JobQuery) encode() string {
	v := url.Values{}
	setIf(v, "status", q.Status)
	setIf(v, "runId", q.RunID)
	setIf(v, "executionId", q.ExecutionID)
	setIf(v, "service", q.Service)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return query(v)
}

// ListJobs returns jobs of the cluster.
func (c *Client) ListJobs(ctx context.Context, q JobQuery) ([]models.Job, error) {
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, "/jobs"+q.encode(), nil, &out)
	return out, err
}

// GetJob returns a job with its blobs.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobDetail, error) {
	var out models.JobDetail
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	return &out, err
}

// AwaitResult waits up to waitSeconds for the job to become terminal and returns it as it
// then stands.
func (c *Client) AwaitResult(ctx context.Context, jobID string, waitSeconds int) (*models.Job, error) {
	var out models.Job
	path := "/jobs/" + url.PathEscape(jobID) + "/result?waitTime=" + strconv.Itoa(waitSeconds)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return &out, err
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out)
	return &out, err
}

// ListApprovals returns jobs awaiting a decision.
func (c *Client) ListApprovals(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, "/approvals", nil, &out)
	return out, err
}

// GetBlob returns blob content and its content type.
func (c *Client) GetBlob(ctx context.Context, id string) ([]byte, string, error) {
	path := "/blobs/" + url.PathEscape(id)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var errBody models.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, "", &APIError{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Error}
	}
	data, err := io.ReadAll(resp.Body)
	return data, resp.Header.Get("Content-Type"), err
}

// EventQuery filters ListEvents.
type EventQuery struct {
	JobID       string
	RunID       string
	ExecutionID string
	After       int64
	Limit       int
}

// ListEvents returns recorded events in sequence order.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error) {
	v := url.Values{}
	setIf(v, "jobId", q.JobID)
	setIf(v, "runId", q.RunID)
	setIf(v, "executionId", q.ExecutionID)
	if q.After > 0 {
		v.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []models.Event
	err := c.doJSON(ctx, http.MethodGet, "/events"+query(v), nil, &out)
	return out, err
}

// Runs

// CreateRun starts a run.
func (c *Client) CreateRun(ctx context.Context, req models.CreateRunRequest) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs", req, &out)
	return &out, err
}

// ListRuns returns runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]models.Run, error) {
	v := url.Values{}
	setIf(v, "status", status)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []models.Run
	err := c.doJSON(ctx, http.MethodGet, "/runs"+query(v), nil, &out)
	return out, err
}

// GetRun returns a run with its messages.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	return &out, err
}

// DeleteRun cancels the run's open jobs and deletes it.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/runs/"+url.PathEscape(runID), nil, nil)
}

// AddMessage appends a human message to the run.
func (c *Client) AddMessage(ctx context.Context, runID, message string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/messages", models.HumanMessageRequest{Message: message}, &out)
	return &out, err
}

// Feedback stores a score on the run.
func (c *Client) Feedback(ctx context.Context, runID string, score float64) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/feedback", models.FeedbackRequest{Score: score}, &out)
	return &out, err
}

// RunTimeline returns the merged timeline of a run.
func (c *Client) RunTimeline(ctx context.Context, runID string) (*models.Timeline, error) {
	var out models.Timeline
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/timeline", nil, &out)
	return &out, err
}

// Run configs

// PutRunConfig creates or updates a run config, bumping its version.
func (c *Client) PutRunConfig(ctx context.Context, cfg models.RunConfig) (*models.RunConfig, error) {
	var out models.RunConfig
	err := c.doJSON(ctx, http.MethodPut, "/run-configs/"+url.PathEscape(cfg.ID), cfg, &out)
	return &out, err
}

// GetRunConfig returns a run config.
func (c *Client) GetRunConfig(ctx context.Context, id string) (*models.RunConfig, error) {
	var out models.RunConfig
	err := c.doJSON(ctx, http.MethodGet, "/run-configs/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// ListRunConfigs returns every run config of the cluster.
func (c *Client) ListRunConfigs(ctx context.Context) ([]models.RunConfig, error) {
	var out []models.RunConfig
	err := c.doJSON(ctx, http.MethodGet, "/run-configs", nil, &out)
	return out, err
}

// DeleteRunConfig removes a run config.
func (c *Client) DeleteRunConfig(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/run-configs/"+url.PathEscape(id), nil, nil)
}

// Workflows

func executionsPath(name string) string {
	return "/workflows/" + url.PathEscape(name) + "/executions"
}

// CreateExecution creates the execution, or returns the existing one with the same id.
func (c *Client) CreateExecution(ctx context.Context, workflow string, req models.CreateExecutionRequest) (*models.CreateExecutionResponse, error) {
	var out models.CreateExecutionResponse
	err := c.doJSON(ctx, http.MethodPost, executionsPath(workflow), req, &out)
	return &out, err
}

// GetExecution returns one execution.
func (c *Client) GetExecution(ctx context.Context, workflow, id string) (*models.WorkflowExecution, error) {
	var out models.WorkflowExecution
	err := c.doJSON(ctx, http.MethodGet, executionsPath(workflow)+"/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// ListExecutions returns the newest executions of a workflow.
func (c *Client) ListExecutions(ctx context.Context, workflow string, limit int) ([]models.WorkflowExecution, error) {
	path := executionsPath(workflow)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.WorkflowExecution
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// DeleteExecution cancels the execution's open jobs and deletes it.
func (c *Client) DeleteExecution(ctx context.Context, workflow, id string) error {
	return c.doJSON(ctx, http.MethodDelete, executionsPath(workflow)+"/"+url.PathEscape(id), nil, nil)
}

// ExecutionTimeline returns the merged timeline of an execution.
func (c *Client) ExecutionTimeline(ctx context.Context, workflow, id string) (*models.Timeline, error) {
	var out models.Timeline
	err := c.doJSON(ctx, http.MethodGet, executionsPath(workflow)+"/"+url.PathEscape(id)+"/timeline", nil, &out)
	return &out, err
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func query(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
