package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/tracker"
)

// Tracker is the coordinator surface the API exposes.
type Tracker interface {
	Status() pkg.Status
	Subscribe() (<-chan pkg.Status, func())
	ForceFlushNow(ctx context.Context) (tracker.FlushResult, error)
}

// QueueReport describes one persisted retry queue.
type QueueReport struct {
	Key string `json:"key"`
	queue.Stats
}

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Config holds API server configuration
type Config struct {
	Listen  string `json:"listen"`
	AuthKey string `json:"auth_key"` // Optional authentication key
}

// Server exposes tracker status and control over HTTP.
type Server struct {
	tracker Tracker
	queues  []*queue.Queue
	config  Config
	logger  *logx.Logger
	started time.Time

	srv      *http.Server
	listener net.Listener
}

// NewServer creates a server. queues are reported by /api/queue.
func NewServer(cfg Config, t Tracker, queues []*queue.Queue, logger *logx.Logger) *Server {
	return &Server{
		tracker: t,
		queues:  queues,
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}
		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.authMiddleware(method(http.MethodGet, s.handleStatus)))
	mux.HandleFunc("/api/flush", s.authMiddleware(method(http.MethodPost, s.handleFlush)))
	mux.HandleFunc("/api/events", s.authMiddleware(method(http.MethodGet, s.handleEvents)))
	mux.HandleFunc("/api/queue", s.authMiddleware(method(http.MethodGet, s.handleQueue)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.config.Listen, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting API server", "address", ln.Addr().String())

	go func() {
		// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Listen
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and closes open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("API server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.ForceFlushNow(r.Context())
	switch {
	case errors.Is(err, tracker.ErrNotActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracker.ErrNoFix):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("Flush failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Info("Flush requested via API", "worker", string(res.Worker), "delivered", res.Delivered)
		s.writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	reports := make([]QueueReport, 0, len(s.queues))
	for _, q := range s.queues {
		reports = append(reports, QueueReport{Key: q.Key(), Stats: q.Stats()})
	}
	s.writeJSON(w, http.StatusOK, reports)
}

// handleEvents streams status snapshots as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := s.tracker.Subscribe()
	defer cancel()

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(status)
			if err != nil {
				s.logger.Error("Failed to encode status event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.tracker.Status()
	health := map[string]interface{}{
		"status":    "healthy",
		"mode":      st.Mode,
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if st.Mode == pkg.ModeStopped {
		health["status"] = "stopped"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}
