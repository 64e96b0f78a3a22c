package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/schema"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

func (a *App) listFunctions(w http.ResponseWriter, r *http.Request) {
	list := a.deps.Registry.Available
	if r.URL.Query().Get("all") == "true" {
		list = a.deps.Registry.Functions
	}
	fns, err := list(r.Context(), a.cluster(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if fns == nil {
		fns = []models.FunctionDefinition{}
	}
	writeJSON(w, fns)
}

func (a *App) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := a.deps.Registry.Machines(r.Context(), a.cluster(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if machines == nil {
		machines = []models.Machine{}
	}
	writeJSON(w, machines)
}

// createJob is a direct call outside any run.
func (a *App) createJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cluster := r.Context(), a.cluster(r)
	if req.Service != models.WorkflowService {
		def, err := a.deps.Registry.Lookup(ctx, cluster, req.Service, req.Function)
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: %s.%s", store.ErrUnknownFunction, req.Service, req.Function)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if len(def.Schema) > 0 {
			input := req.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			if err := schema.Validate(def.Schema, input); err != nil {
				writeError(w, fmt.Errorf("%w: input does not match the function schema: %v", store.ErrInvalid, err))
				return
			}
		}
	}
	j, _, err := a.deps.Ledger.CreateJob(ctx, ledger.CreateParams{
		ClusterID: cluster,
		Service:   req.Service,
		Function:  req.Function,
		Input:     req.Input,
		CallSite:  req.Policy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, publicJob(j))
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := a.deps.Store.ListJobs(r.Context(), store.JobFilter{
		ClusterID:   a.cluster(r),
		Status:      q.Get("status"),
		RunID:       q.Get("runId"),
		ExecutionID: q.Get("executionId"),
		Service:     q.Get("service"),
		Limit:       queryInt(r, "limit", models.DefaultJobListLimit),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, publicJob(j))
	}
	writeJSON(w, out)
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, cluster := r.Context(), a.cluster(r)
	j, err := a.deps.Store.GetJob(ctx, cluster, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	blobs, err := a.deps.Store.ListBlobs(ctx, cluster, j.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := models.JobDetail{Job: publicJob(j)}
	for _, b := range blobs {
		detail.Blobs = append(detail.Blobs, store.BlobModel(b))
	}
	writeJSON(w, detail)
}

// awaitResult returns the job once terminal, or as it stands when waitTime elapses.
func (a *App) awaitResult(w http.ResponseWriter, r *http.Request) {
	wait := time.Duration(min(queryInt(r, "waitTime", 0), models.MaxPollWait)) * time.Second
	j, err := a.deps.Ledger.WaitTerminal(r.Context(), a.cluster(r), r.PathValue("id"), wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, publicJob(j))
}

func (a *App) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.deps.Ledger.Cancel(r.Context(), a.cluster(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, publicJob(j))
}

func (a *App) listApprovals(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.deps.Gate.Pending(r.Context(), a.cluster(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, publicJob(j))
	}
	writeJSON(w, out)
}

func (a *App) getBlob(w http.ResponseWriter, r *http.Request) {
	b, data, err := a.deps.Blobs.Load(r.Context(), a.cluster(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ct := b.Type
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if b.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", b.Name))
	}
	_, _ = w.Write(data)
}

func (a *App) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		ClusterID:   a.cluster(r),
		ExecutionID: q.Get("executionId"),
		Limit:       queryInt(r, "limit", models.DefaultJobListLimit),
	}
	if v := q.Get("jobId"); v != "" {
		f.JobIDs = []string{v}
	}
	if v := q.Get("runId"); v != "" {
		f.RunIDs = []string{v}
	}
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: after must be an event sequence number", store.ErrInvalid))
			return
		}
		f.AfterSeq = seq
	}
	evs, err := a.deps.Store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.Event, 0, len(evs))
	for _, e := range evs {
		out = append(out, store.EventModel(e))
	}
	writeJSON(w, out)
}
