package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

func (a *App) register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Registry.Register(r.Context(), a.cluster(r), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) poll(w http.ResponseWriter, r *http.Request) {
	var req models.PollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WaitTime < 0 {
		writeError(w, fmt.Errorf("%w: waitTime must not be negative", store.ErrInvalid))
		return
	}
	wait := time.Duration(req.WaitTime) * time.Second
	j, err := a.deps.Dispatcher.Poll(r.Context(), a.cluster(r), req.MachineID, req.Functions, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	var resp models.PollResponse
	if j != nil {
		m := store.JobModel(*j)
		resp.Job = &m
	}
	writeJSON(w, resp)
}

func (a *App) ack(w http.ResponseWriter, r *http.Request) {
	var req models.AckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.deps.Ledger.Acknowledge(r.Context(), a.cluster(r), r.PathValue("id"), req.AttemptToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, store.JobModel(j))
}

func (a *App) submitResult(w http.ResponseWriter, r *http.Request) {
	var req models.ResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.deps.Ledger.SubmitResult(r.Context(), ledger.SubmitParams{
		ClusterID:    a.cluster(r),
		JobID:        r.PathValue("id"),
		AttemptToken: req.AttemptToken,
		ResultType:   req.ResultType,
		Result:       req.Result,
		Blobs:        req.Blobs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, publicJob(j))
}

func (a *App) requestApproval(w http.ResponseWriter, r *http.Request) {
	var req models.ApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.deps.Gate.Request(r.Context(), a.cluster(r), r.PathValue("id"), req.AttemptToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, publicJob(j))
}

func (a *App) decide(w http.ResponseWriter, r *http.Request) {
	var req models.ApprovalDecision
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.deps.Gate.Decide(r.Context(), a.cluster(r), r.PathValue("id"), req.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, publicJob(j))
}
