// Package httpapi serves the agent's local read-only status API
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/incident"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// IncidentSource is the read side of the incident registry
type IncidentSource interface {
	Get(ctx context.Context, id string) (model.Incident, error)
	List(ctx context.Context) ([]model.Incident, error)
	ListByStatus(ctx context.Context, status model.Status) ([]model.Incident, error)
}

// StatusFunc reports scheduler state for /status
type StatusFunc func() map[string]any

// Server provides HTTP endpoints for observability
type Server struct {
	r         *chi.Mux
	logger    *logging.Logger
	hostID    string
	incidents IncidentSource
	metrics   http.Handler
	status    StatusFunc
	startTime time.Time
	server    *http.Server
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status    string `json:"status"`
	HostID    string `json:"host_id"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// IncidentList is the body of /incidents
type IncidentList struct {
	Count     int              `json:"count"`
	Incidents []model.Incident `json:"incidents"`
}

// NewServer creates the status API. metrics and status may be nil.
func NewServer(logger *logging.Logger, hostID string, incidents IncidentSource, metrics http.Handler, status StatusFunc) *Server {
	s := &Server{
		r:         chi.NewRouter(),
		logger:    logger.WithComponent("httpapi"),
		hostID:    hostID,
		incidents: incidents,
		metrics:   metrics,
		status:    status,
		startTime: time.Now(),
	}
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/status", s.handleStatus)
	s.r.Get("/incidents", s.handleIncidents)
	s.r.Get("/incidents/{id}", s.handleIncident)
	if s.metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.LogSystemEvent("http_server_started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.logger.LogSystemEvent("http_server_stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		HostID:    s.hostID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"host_id": s.hostID}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Incident
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		switch st := model.Status(status); st {
		case model.StatusOpen, model.StatusResolving, model.StatusResolved, model.StatusAlertOnly:
			list, err = s.incidents.ListByStatus(r.Context(), st)
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+status)
			return
		}
	} else {
		list, err = s.incidents.List(r.Context())
	}
	if err != nil {
		s.logger.Error("Failed to list incidents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if list == nil {
		list = []model.Incident{}
	}
	writeJSON(w, http.StatusOK, IncidentList{Count: len(list), Incidents: list})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.incidents.Get(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load incident", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
