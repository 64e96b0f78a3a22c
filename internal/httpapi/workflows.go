package httpapi

import (
	"net/http"

	"github.com/ankittk/jobplane/pkg/models"
)

// createExecution is idempotent on the execution id: 201 when created, 200 with the stored
// execution when it already existed.
func (a *App) createExecution(w http.ResponseWriter, r *http.Request) {
	var req models.CreateExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec, created, err := a.deps.Workflows.CreateExecution(r.Context(), a.cluster(r), r.PathValue("name"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, models.CreateExecutionResponse{Execution: exec, Created: created})
}

func (a *App) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := a.deps.Workflows.ListExecutions(r.Context(), a.cluster(r), r.PathValue("name"), queryInt(r, "limit", models.DefaultRunListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []models.WorkflowExecution{}
	}
	writeJSON(w, execs)
}

func (a *App) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.deps.Workflows.GetExecution(r.Context(), a.cluster(r), r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, exec)
}

func (a *App) deleteExecution(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Workflows.DeleteExecution(r.Context(), a.cluster(r), r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) executionTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := a.deps.Workflows.Timeline(r.Context(), a.cluster(r), r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tl)
}
