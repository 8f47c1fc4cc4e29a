package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"qaharness/services/executions"
	"qaharness/services/persister"
	"qaharness/services/results"
	"qaharness/services/suites"
	"qaharness/services/tracker"
)

type scheduleRequest struct {
	Suite            string `json:"suite"`
	MaxParallelTests int    `json:"maxParallelTests,omitempty"`
	// External leaves the execution RUNNING for an outside engine that
	// reports outcomes and calls finish.
	External bool `json:"external,omitempty"`
}

type statusResponse struct {
	ExecutionID string           `json:"executionId"`
	Status      executions.State `json:"status"`
}

func (a *API) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Suite = strings.TrimSpace(req.Suite)
	if req.Suite == "" {
		respondError(w, http.StatusBadRequest, tracker.ErrSuiteRequired)
		return
	}
	if req.MaxParallelTests < 0 {
		respondError(w, http.StatusBadRequest, errors.New("maxParallelTests must not be negative"))
		return
	}

	var opts []tracker.RunOption
	if req.MaxParallelTests > 0 {
		opts = append(opts, tracker.WithMaxParallel(req.MaxParallelTests))
	}
	if req.External {
		opts = append(opts, tracker.External())
	}

	exec, err := a.cfg.Trigger.RunNow(r.Context(), req.Suite, opts...)
	if err != nil {
		a.logger.Error().Err(err).Str("suite", req.Suite).Msg("schedule run")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusAccepted, statusResponse{ExecutionID: exec.ID, Status: exec.State})
}

func (a *API) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.cfg.Executions.List())
}

// handleExecutionStatus always answers 200; unknown ids carry the NOT_FOUND
// state. Executions from earlier processes are looked up in history.
func (a *API) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	state := a.cfg.Executions.Get(id)

	if state == executions.NotFound && a.cfg.History != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		exec, err := a.cfg.History.GetExecution(ctx, id)
		switch {
		case err == nil:
			state = exec.State
		case !errors.Is(err, persister.ErrExecutionNotFound):
			a.logger.Warn().Err(err).Str("execution_id", id).Msg("status history lookup")
		}
	}

	respondJSON(w, http.StatusOK, statusResponse{ExecutionID: id, Status: state})
}

func (a *API) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	var ev results.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	if strings.TrimSpace(ev.TestCaseID) == "" {
		respondError(w, http.StatusBadRequest, results.ErrMissingTestCase)
		return
	}

	if err := a.cfg.Outcomes.Record(r.Context(), id, ev); err != nil {
		respondError(w, outcomeStatus(err), err)
		return
	}

	exec, _ := a.cfg.Executions.Lookup(id)
	respondJSON(w, http.StatusAccepted, statusResponse{ExecutionID: id, Status: exec.State})
}

func (a *API) handleFinishExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if err := a.cfg.Outcomes.Finish(r.Context(), id); err != nil {
		respondError(w, outcomeStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{ExecutionID: id, Status: a.cfg.Executions.Get(id)})
}

func outcomeStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrUnknownExecution):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrExecutionClosed):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrInvalidStatus),
		errors.Is(err, results.ErrMissingExecution),
		errors.Is(err, results.ErrMissingTestCase),
		errors.Is(err, suites.ErrSuiteUnreadable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
