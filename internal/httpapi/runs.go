package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ankittk/jobplane/internal/schema"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

func (a *App) createRun(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cluster := a.cluster(r)
	run, err := a.deps.Controller.CreateRun(r.Context(), cluster, req)
	if err != nil {
		writeError(w, err)
		return
	}
	a.deps.Runner.Enqueue(cluster, run.ID)
	writeJSONStatus(w, http.StatusCreated, store.RunModel(run))
}

func (a *App) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		ClusterID:   a.cluster(r),
		ExecutionID: q.Get("executionId"),
		Limit:       queryInt(r, "limit", models.DefaultRunListLimit),
	}
	if v := q.Get("status"); v != "" {
		f.Statuses = strings.Split(v, ",")
	}
	runs, err := a.deps.Store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, store.RunModel(run))
	}
	writeJSON(w, out)
}

func (a *App) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.deps.Controller.GetRun(r.Context(), a.cluster(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, run)
}

func (a *App) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Controller.DeleteRun(r.Context(), a.cluster(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) addMessage(w http.ResponseWriter, r *http.Request) {
	var req models.HumanMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cluster := a.cluster(r)
	run, err := a.deps.Controller.AddHumanMessage(r.Context(), cluster, r.PathValue("id"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	a.deps.Runner.Enqueue(cluster, run.ID)
	writeJSONStatus(w, http.StatusAccepted, store.RunModel(run))
}

func (a *App) feedback(w http.ResponseWriter, r *http.Request) {
	var req models.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := a.deps.Controller.Feedback(r.Context(), a.cluster(r), r.PathValue("id"), req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, store.RunModel(run))
}

func (a *App) runTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := a.deps.Events.RunTimeline(r.Context(), a.cluster(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tl)
}

// Run configs

func (a *App) listRunConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := a.deps.Store.ListRunConfigs(r.Context(), a.cluster(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.RunConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, store.RunConfigModel(c))
	}
	writeJSON(w, out)
}

func (a *App) putRunConfig(w http.ResponseWriter, r *http.Request) {
	var req models.RunConfig
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if req.Name == "" {
		req.Name = id
	}
	for name, raw := range map[string][]byte{"resultSchema": req.ResultSchema, "inputSchema": req.InputSchema} {
		if len(raw) == 0 {
			continue
		}
		if _, err := schema.Compile(raw); err != nil {
			writeError(w, fmt.Errorf("%w: %s: %v", store.ErrInvalid, name, err))
			return
		}
	}
	saved, err := a.deps.Store.UpsertRunConfig(r.Context(), store.RunConfig{
		ID:                id,
		ClusterID:         a.cluster(r),
		Name:              req.Name,
		SystemPrompt:      req.SystemPrompt,
		InitialPrompt:     req.InitialPrompt,
		AttachedFunctions: req.AttachedFunctions,
		ResultSchema:      req.ResultSchema,
		InputSchema:       req.InputSchema,
		UpdatedAt:         time.Now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, store.RunConfigModel(saved))
}

func (a *App) getRunConfig(w http.ResponseWriter, r *http.Request) {
	c, err := a.deps.Store.GetRunConfig(r.Context(), a.cluster(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, store.RunConfigModel(c))
}

func (a *App) deleteRunConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Store.DeleteRunConfig(r.Context(), a.cluster(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
