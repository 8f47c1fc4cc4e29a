package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"qaharness/services/artifacts"
	"qaharness/services/results"
)

func (a *API) handleArtifact(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	testCaseID := chi.URLParam(r, "testCaseID")
	file := chi.URLParam(r, "file")

	f, contentType, err := a.cfg.Artifacts.Open(executionID, testCaseID, file)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrInvalidName) {
			respondError(w, http.StatusNotFound, artifacts.ErrNotFound)
			return
		}
		a.logger.Error().Err(err).Str("execution_id", executionID).Str("test_case_id", testCaseID).Msg("open artifact")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	setAttachment(w, file, contentType)
	http.ServeContent(w, r, file, info.ModTime(), f)
}

func (a *API) handleListResults(w http.ResponseWriter, r *http.Request) {
	if a.cfg.History == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("result database not configured"))
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("executionId"))
	if id == "" {
		respondError(w, http.StatusBadRequest, errors.New("executionId is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rows, err := a.cfg.History.ListResults(ctx, id)
	if err != nil {
		a.logger.Error().Err(err).Str("execution_id", id).Msg("list results")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []results.TestOutcome{}
	}
	respondJSON(w, http.StatusOK, rows)
}
