package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"qaharness/services/mirror"
	"qaharness/services/reports"
)

// reportType is required; an empty value fails as an unknown type.
func reportType(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
}

func reportErrorStatus(err error) int {
	switch {
	case errors.Is(err, reports.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, reports.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	typ := reportType(r)

	target, err := reports.Locate(a.cfg.ReportsDir, id, typ)
	if err != nil {
		respondError(w, reportErrorStatus(err), err)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		respondError(w, http.StatusNotFound, reports.ErrNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	name := filepath.Base(target)
	setAttachment(w, name, reports.ContentType(reports.Format(typ)))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *API) handleReportLink(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Links == nil {
		respondError(w, http.StatusFailedDependency, mirror.ErrDisabled)
		return
	}

	id := chi.URLParam(r, "executionID")
	typ := reportType(r)
	if _, err := reports.Filename(typ); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	link, err := a.cfg.Links.PresignReport(ctx, id, typ)
	if err != nil {
		respondError(w, reportErrorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"executionId": id, "type": typ, "url": link})
}
