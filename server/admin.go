package server

import (
	"errors"
	"net/http"

	"tourwatch/pkg/tourwatch"
	"tourwatch/scheduler"

	"github.com/goccy/go-json"
)

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	err := s.scheduler.TriggerSyncNow()
	switch {
	case err == nil:
		s.logger.Info("Manual sync accepted", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "rejected", "reason": "already_running"})
	case errors.Is(err, scheduler.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "scheduler not started")
	default:
		s.logger.Error("Manual sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleSyncReport(w http.ResponseWriter, r *http.Request) {
	if report := s.scheduler.LastReport(); report != nil {
		writeJSON(w, http.StatusOK, report)
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}

	report, err := s.archive.LoadLatest(r.Context())
	if errors.Is(err, tourwatch.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load archived report", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

type trackTourRequest struct {
	Locator string `json:"locator" validate:"required,url,max=512"`
	Name    string `json:"name" validate:"max=255"`
}

func (s *Server) handleTrackTour(w http.ResponseWriter, r *http.Request) {
	var req trackTourRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	tour, err := s.store.TrackTour(r.Context(), req.Locator, req.Name)
	if err != nil {
		s.logger.Error("Failed to track tour", "locator", req.Locator, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("Tour tracked", "tour_id", tour.ID, "locator", tour.Locator)
	writeJSON(w, http.StatusCreated, tour)
}
