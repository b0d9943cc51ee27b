// Package server exposes the admin and user HTTP endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"
	"tourwatch/scheduler"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler is the admin view of the sync scheduler.
type Scheduler interface {
	TriggerSyncNow() error
	LastReport() *tourwatch.SyncReport
	Status() scheduler.Status
}

// ReportArchive supplies the last report after a restart.
type ReportArchive interface {
	LoadLatest(ctx context.Context) (*tourwatch.SyncReport, error)
}

// Store is the user-facing alert and notification surface.
type Store interface {
	CreateAlert(ctx context.Context, a *tourwatch.Alert) error
	PauseAlert(ctx context.Context, userID, alertID int64) error
	ResumeAlert(ctx context.Context, userID, alertID int64) error
	MarkNotificationRead(ctx context.Context, userID, id int64) error
	DeleteNotification(ctx context.Context, userID, id int64) error
	TrackTour(ctx context.Context, locator, name string) (*tourwatch.Tour, error)
	PriceStats(ctx context.Context, tourID int64, now time.Time) (*tourwatch.PriceStats, error)
}

// Config holds server configuration.
type Config struct {
	Scheduler  Scheduler
	Archive    ReportArchive // Optional
	Store      Store
	Logger     *slog.Logger
	AdminToken string // Empty disables the admin API
	// UserRateLimit caps user requests per IP per minute. Zero means 60.
	UserRateLimit int
}

// Server handles HTTP requests.
type Server struct {
	scheduler  Scheduler
	archive    ReportArchive
	store      Store
	logger     *slog.Logger
	validate   *validator.Validate
	adminToken string
	userLimit  int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.UserRateLimit
	if limit <= 0 {
		limit = 60
	}
	return &Server{
		scheduler:  cfg.Scheduler,
		archive:    cfg.Archive,
		store:      cfg.Store,
		logger:     cfg.Logger,
		validate:   validator.New(),
		adminToken: cfg.AdminToken,
		userLimit:  limit,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/sync", s.handleTriggerSync)
		r.Get("/sync/report", s.handleSyncReport)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/tours", s.handleTrackTour)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.userLimit, time.Minute))
		r.Use(requireUser)
		r.Post("/alerts", s.handleCreateAlert)
		r.Post("/alerts/{id}/pause", s.handlePauseAlert)
		r.Post("/alerts/{id}/resume", s.handleResumeAlert)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Delete("/notifications/{id}", s.handleDeleteNotification)
		r.Get("/tours/{id}/stats", s.handlePriceStats)
	})

	return r
}

// NewHTTPServer wraps the handler with the listener timeouts.
func (s *Server) NewHTTPServer(port int) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// instrument counts requests by route pattern so ids in paths don't explode the label set.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Rejected admin request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

// requireUser reads the caller's id, set by the authenticating proxy in front of the service.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userKey{}).(int64)
	return id
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
