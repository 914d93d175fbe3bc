package api

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/afero"
)

const (
	notFoundBody      = "not found"
	dashboardFailBody = "failed to load dashboard"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// handleDashboard serves the dashboard page verbatim.
func (s *server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	page, err := afero.ReadFile(s.fs, s.cfg.DashboardPath)
	if err != nil {
		s.log.WithError(err).
			WithField("path", s.cfg.DashboardPath).
			Warn("Failed to read dashboard")

		writeText(w, http.StatusInternalServerError, dashboardFailBody)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, notFoundBody)
}

// handleStatus returns the live progress snapshot.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatus(r.Context()))
}
