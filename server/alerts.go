package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tourwatch/database"
	"tourwatch/pkg/tourwatch"

	"github.com/goccy/go-json"
)

type createAlertRequest struct {
	ThresholdPrice      *float64 `json:"threshold_price" validate:"omitempty,gt=0"`
	ThresholdPercentage *float64 `json:"threshold_percentage" validate:"omitempty,gt=0,lte=100"`
	AlertType           string   `json:"alert_type" validate:"required,oneof=price_drop price_increase percentage_drop price_change"`
	TourID              int64    `json:"tour_id" validate:"required,gt=0"`
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	a := &tourwatch.Alert{
		UserID:              userID(r),
		TourID:              req.TourID,
		Type:                tourwatch.AlertType(req.AlertType),
		ThresholdPrice:      req.ThresholdPrice,
		ThresholdPercentage: req.ThresholdPercentage,
	}
	if err := s.store.CreateAlert(r.Context(), a); err != nil {
		s.writeStoreError(w, "create alert", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handlePauseAlert(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "pause alert", s.store.PauseAlert)
}

func (s *Server) handleResumeAlert(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "resume alert", s.store.ResumeAlert)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "mark notification read", s.store.MarkNotificationRead)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "delete notification", s.store.DeleteNotification)
}

func (s *Server) handlePriceStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	stats, err := s.store.PriceStats(r.Context(), id, time.Now())
	if err != nil {
		s.writeStoreError(w, "price stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// userAction runs a per-user mutation keyed by the {id} path parameter.
func (s *Server) userAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, userID, id int64) error) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := fn(r.Context(), userID(r), id); err != nil {
		s.writeStoreError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, tourwatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrInvalidAlert):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
