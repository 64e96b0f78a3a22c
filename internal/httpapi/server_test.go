package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ankittk/jobplane/internal/agent"
	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/internal/approval"
	"github.com/ankittk/jobplane/internal/blob"
	"github.com/ankittk/jobplane/internal/dispatch"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/internal/workflow"
	"github.com/ankittk/jobplane/pkg/models"
)

type testServer struct {
	*httptest.Server
	app *App
}

func newTestServer(t *testing.T, apiKey string, script ...model.Scripted) *testServer {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	hub := NewSSEHub()
	rec := events.NewRecorder(st, hub)
	blobs := blob.NewManager(st, nil, 0)
	l := ledger.New(st, rec, ledger.Options{Blobs: blobs})
	reg := registry.New(st, 0)
	ctrl := agent.NewController(l, reg, rec, model.NewScriptedModel(script...), nil, agent.Options{MaxSteps: 5})
	runner := agent.NewRunner(ctrl, agent.RunnerOptions{Workers: 1, Sweep: time.Hour})
	runner.Attach(l)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = runner.Run(ctx)
		close(done)
	}()

	app := NewApp(Deps{
		Store:      st,
		Ledger:     l,
		Registry:   reg,
		Dispatcher: dispatch.New(l, reg, dispatch.Options{Recheck: 20 * time.Millisecond}),
		Gate:       approval.New(l),
		Controller: ctrl,
		Runner:     runner,
		Workflows:  workflow.New(l, reg, rec),
		Blobs:      blobs,
		Events:     rec,
	}, hub, ServerOptions{APIKey: apiKey, DefaultCluster: "c1"})
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{Server: srv, app: app}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndAPIKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "secret")
	resp, err := http.Get(s.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: got %d", resp.StatusCode)
	}
	var body models.ErrorBody
	if code := s.do(t, http.MethodGet, "/runs", nil, &body); code != http.StatusUnauthorized || body.Code != models.CodeUnauthorized {
		t.Fatalf("without key: %d %+v", code, body)
	}
	var runs []models.Run
	if code := s.do(t, http.MethodGet, "/runs?api_key=secret", nil, &runs); code != http.StatusOK {
		t.Fatalf("with key: %d", code)
	}
}

func TestWorkerProtocol(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	reg := models.RegisterRequest{MachineID: "m1", Functions: []models.FunctionDefinition{{
		Service: "math",
		Name:    "add",
		Schema:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`),
	}}}
	if code := s.do(t, http.MethodPost, "/register", reg, nil); code != http.StatusOK {
		t.Fatalf("register: %d", code)
	}
	var fns []models.FunctionDefinition
	if code := s.do(t, http.MethodGet, "/functions", nil, &fns); code != http.StatusOK || len(fns) != 1 {
		t.Fatalf("functions: %d %+v", code, fns)
	}

	var errBody models.ErrorBody
	code := s.do(t, http.MethodPost, "/jobs", models.CreateJobRequest{Service: "math", Function: "add", Input: json.RawMessage(`{}`)}, &errBody)
	if code != http.StatusBadRequest || errBody.Code != models.CodeInvalidRequest {
		t.Fatalf("schema mismatch: %d %+v", code, errBody)
	}
	code = s.do(t, http.MethodPost, "/jobs", models.CreateJobRequest{Service: "math", Function: "sub"}, &errBody)
	if code != http.StatusBadRequest || errBody.Code != models.CodeUnknownFunction {
		t.Fatalf("unknown function: %d %+v", code, errBody)
	}

	var created models.Job
	if code := s.do(t, http.MethodPost, "/jobs", models.CreateJobRequest{Service: "math", Function: "add", Input: json.RawMessage(`{"a":1}`)}, &created); code != http.StatusCreated {
		t.Fatalf("create job: %d", code)
	}
	if created.Status != models.JobStatusPending || created.AttemptToken != "" {
		t.Fatalf("created: %+v", created)
	}

	var polled models.PollResponse
	if code := s.do(t, http.MethodPost, "/jobs/poll", models.PollRequest{MachineID: "m1", Functions: []string{"math.add"}, WaitTime: 1}, &polled); code != http.StatusOK {
		t.Fatalf("poll: %d", code)
	}
	if polled.Job == nil || polled.Job.ID != created.ID || polled.Job.AttemptToken == "" {
		t.Fatalf("poll: %+v", polled.Job)
	}
	token := polled.Job.AttemptToken

	code = s.do(t, http.MethodPost, "/jobs/"+created.ID+"/ack", models.AckRequest{AttemptToken: "bogus"}, &errBody)
	if code != http.StatusConflict || errBody.Code != models.CodeStaleAttempt {
		t.Fatalf("ack with wrong token: %d %+v", code, errBody)
	}
	if code := s.do(t, http.MethodPost, "/jobs/"+created.ID+"/ack", models.AckRequest{AttemptToken: token}, nil); code != http.StatusOK {
		t.Fatalf("ack: %d", code)
	}
	var resolved models.Job
	code = s.do(t, http.MethodPost, "/jobs/"+created.ID+"/result", models.ResultRequest{
		AttemptToken: token,
		ResultType:   models.ResultTypeResolution,
		Result:       json.RawMessage(`{"sum":1}`),
	}, &resolved)
	if code != http.StatusOK || resolved.Status != models.JobStatusSuccess {
		t.Fatalf("result: %d %+v", code, resolved)
	}
	code = s.do(t, http.MethodPost, "/jobs/"+created.ID+"/result", models.ResultRequest{AttemptToken: token, ResultType: models.ResultTypeResolution}, &errBody)
	if code != http.StatusConflict {
		t.Fatalf("second result: %d %+v", code, errBody)
	}

	var waited models.Job
	if code := s.do(t, http.MethodGet, "/jobs/"+created.ID+"/result?waitTime=1", nil, &waited); code != http.StatusOK || waited.Status != models.JobStatusSuccess {
		t.Fatalf("await result: %d %+v", code, waited)
	}
	var evs []models.Event
	if code := s.do(t, http.MethodGet, "/events?jobId="+created.ID, nil, &evs); code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	types := make([]string, 0, len(evs))
	for _, e := range evs {
		types = append(types, e.Type)
	}
	want := []string{models.EventJobCreated, models.EventJobAcknowledged, models.EventJobResulted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events: got %v, want %v", types, want)
	}
}

func TestEmptyPollReturnsNullJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	var polled models.PollResponse
	if code := s.do(t, http.MethodPost, "/jobs/poll", models.PollRequest{MachineID: "m1", Functions: []string{"none.here"}}, &polled); code != http.StatusOK {
		t.Fatalf("poll: %d", code)
	}
	if polled.Job != nil {
		t.Fatalf("poll: unexpected job %+v", polled.Job)
	}
	var errBody models.ErrorBody
	if code := s.do(t, http.MethodPost, "/jobs/poll", models.PollRequest{Functions: []string{"x"}}, &errBody); code != http.StatusBadRequest {
		t.Fatalf("poll without machine: %d", code)
	}
}

func TestApprovalRoutes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	reg := models.RegisterRequest{MachineID: "m1", Functions: []models.FunctionDefinition{{
		Service: "ops",
		Name:    "deploy",
		Config:  models.FunctionConfig{ApprovalMode: models.ApprovalPre},
	}}}
	if code := s.do(t, http.MethodPost, "/register", reg, nil); code != http.StatusOK {
		t.Fatalf("register: %d", code)
	}
	var job models.Job
	if code := s.do(t, http.MethodPost, "/jobs", models.CreateJobRequest{Service: "ops", Function: "deploy"}, &job); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	var pending []models.Job
	if code := s.do(t, http.MethodGet, "/approvals", nil, &pending); code != http.StatusOK || len(pending) != 1 || pending[0].ID != job.ID {
		t.Fatalf("approvals: %d %+v", code, pending)
	}
	var polled models.PollResponse
	s.do(t, http.MethodPost, "/jobs/poll", models.PollRequest{MachineID: "m1", Functions: []string{"ops.deploy"}}, &polled)
	if polled.Job != nil {
		t.Fatal("job claimable before approval")
	}
	var decided models.Job
	if code := s.do(t, http.MethodPost, "/jobs/"+job.ID+"/approval", models.ApprovalDecision{Approved: true}, &decided); code != http.StatusOK {
		t.Fatalf("approve: %d", code)
	}
	if decided.ApprovalState != models.ApprovalStateApproved {
		t.Fatalf("approval state: %q", decided.ApprovalState)
	}
	var errBody models.ErrorBody
	code := s.do(t, http.MethodPost, "/jobs/"+job.ID+"/approval", models.ApprovalDecision{Approved: false}, &errBody)
	if code != http.StatusConflict || errBody.Code != models.CodeApprovalNotPending {
		t.Fatalf("second decision: %d %+v", code, errBody)
	}
	s.do(t, http.MethodPost, "/jobs/poll", models.PollRequest{MachineID: "m1", Functions: []string{"ops.deploy"}, WaitTime: 1}, &polled)
	if polled.Job == nil || polled.Job.ID != job.ID {
		t.Fatalf("poll after approval: %+v", polled.Job)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", model.Scripted{Response: model.Response{Message: `{"word":"needle"}`}})
	var run models.Run
	code := s.do(t, http.MethodPost, "/runs", models.CreateRunRequest{
		InitialPrompt: "find the needle",
		ResultSchema:  json.RawMessage(`{"type":"object","properties":{"word":{"type":"string"}},"required":["word"]}`),
	}, &run)
	if code != http.StatusCreated {
		t.Fatalf("create run: %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	var got models.Run
	for time.Now().Before(deadline) {
		s.do(t, http.MethodGet, "/runs/"+run.ID, nil, &got)
		if got.Status == models.RunStatusDone {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Status != models.RunStatusDone || string(got.Result) != `{"word":"needle"}` {
		t.Fatalf("run: %s %s", got.Status, got.Result)
	}
	if len(got.Messages) != 2 || got.Messages[1].Type != models.MessageAgent {
		t.Fatalf("messages: %+v", got.Messages)
	}

	var tl models.Timeline
	if code := s.do(t, http.MethodGet, "/runs/"+run.ID+"/timeline", nil, &tl); code != http.StatusOK || tl.Run == nil {
		t.Fatalf("timeline: %d %+v", code, tl)
	}
	var scored models.Run
	if code := s.do(t, http.MethodPost, "/runs/"+run.ID+"/feedback", models.FeedbackRequest{Score: 0.5}, &scored); code != http.StatusOK || scored.FeedbackScore == nil {
		t.Fatalf("feedback: %d %+v", code, scored)
	}
	var errBody models.ErrorBody
	if code := s.do(t, http.MethodPost, "/runs", models.CreateRunRequest{ID: run.ID, InitialPrompt: "again"}, &errBody); code != http.StatusConflict {
		t.Fatalf("duplicate run: %d %+v", code, errBody)
	}
	if code := s.do(t, http.MethodDelete, "/runs/"+run.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code := s.do(t, http.MethodGet, "/runs/"+run.ID, nil, &errBody); code != http.StatusNotFound || errBody.Code != models.CodeNotFound {
		t.Fatalf("get deleted: %d %+v", code, errBody)
	}
}

func TestRunConfigs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	var errBody models.ErrorBody
	code := s.do(t, http.MethodPut, "/run-configs/summarize", models.RunConfig{ResultSchema: json.RawMessage(`{"type":12}`)}, &errBody)
	if code != http.StatusBadRequest || errBody.Code != models.CodeInvalidRequest {
		t.Fatalf("bad schema: %d %+v", code, errBody)
	}
	var cfg models.RunConfig
	for i := 0; i < 2; i++ {
		if code := s.do(t, http.MethodPut, "/run-configs/summarize", models.RunConfig{InitialPrompt: "Summarize"}, &cfg); code != http.StatusOK {
			t.Fatalf("put: %d", code)
		}
	}
	if cfg.Version != 2 || cfg.Name != "summarize" {
		t.Fatalf("config: %+v", cfg)
	}
	var list []models.RunConfig
	if code := s.do(t, http.MethodGet, "/run-configs", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %+v", code, list)
	}
	if code := s.do(t, http.MethodDelete, "/run-configs/summarize", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code := s.do(t, http.MethodGet, "/run-configs/summarize", nil, &errBody); code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", code)
	}
}

func TestWorkflowExecutionsAreIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	reg := models.RegisterRequest{MachineID: "m1", Workflows: []models.WorkflowDefinition{{Name: "onboard", Version: 1}}}
	if code := s.do(t, http.MethodPost, "/register", reg, nil); code != http.StatusOK {
		t.Fatalf("register: %d", code)
	}
	req := models.CreateExecutionRequest{ExecutionID: "user-42", Input: json.RawMessage(`{"user":42}`)}
	var first, second models.CreateExecutionResponse
	if code := s.do(t, http.MethodPost, "/workflows/onboard/executions", req, &first); code != http.StatusCreated || !first.Created {
		t.Fatalf("first: %d %+v", code, first)
	}
	if code := s.do(t, http.MethodPost, "/workflows/onboard/executions", req, &second); code != http.StatusOK || second.Created {
		t.Fatalf("second: %d %+v", code, second)
	}
	if first.Execution.ID != second.Execution.ID || first.Execution.JobID != second.Execution.JobID {
		t.Fatalf("executions differ: %+v %+v", first.Execution, second.Execution)
	}
	var jobs []models.Job
	s.do(t, http.MethodGet, "/jobs?executionId=user-42", nil, &jobs)
	if len(jobs) != 1 || jobs[0].Service != models.WorkflowService {
		t.Fatalf("jobs: %+v", jobs)
	}
	var tl models.Timeline
	if code := s.do(t, http.MethodGet, "/workflows/onboard/executions/user-42/timeline", nil, &tl); code != http.StatusOK || tl.Execution == nil {
		t.Fatalf("timeline: %d %+v", code, tl)
	}
	if code := s.do(t, http.MethodDelete, "/workflows/onboard/executions/user-42", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	var job models.JobDetail
	s.do(t, http.MethodGet, "/jobs/"+first.Execution.JobID, nil, &job)
	if job.Status != models.JobStatusCancelled {
		t.Fatalf("root job after delete: %q", job.Status)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, models.CodeNotFound},
		{store.ErrStaleAttempt, http.StatusConflict, models.CodeStaleAttempt},
		{store.ErrJobNoLongerActive, http.StatusConflict, models.CodeJobNoLongerActive},
		{store.ErrRunNotActive, http.StatusConflict, models.CodeRunNotActive},
		{store.ErrDuplicate, http.StatusConflict, models.CodeConflict},
		{store.ErrUnknownFunction, http.StatusBadRequest, models.CodeUnknownFunction},
		{context.DeadlineExceeded, http.StatusInternalServerError, models.CodeInternal},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("%v: got %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
