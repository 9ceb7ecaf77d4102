// Package httpapi exposes the orchestrator's control API: slave registration
// and heartbeats, agent lifecycle, cluster introspection, installation runs
// and human requests.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/common/trace"
	"github.com/bdobrica/Taicho/internal/orchestrator/events"
	"github.com/bdobrica/Taicho/internal/orchestrator/fleet"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
	"github.com/bdobrica/Taicho/internal/orchestrator/installer"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Config tunes the API server.
type Config struct {
	Addr string
	// Token guards mutating endpoints. Empty disables auth (dev/test mode).
	Token string
	// DrainDeadline bounds graceful shutdown.
	DrainDeadline time.Duration
}

// Server is the orchestrator's HTTP facade.
type Server struct {
	cfg       Config
	fleet     *fleet.Manager
	runs      *installer.RunStore
	human     *humanreq.Store
	events    *events.Store
	idem      *idempotencyCache
	server    *http.Server
	startedAt time.Time
}

// New wires the facade. events may be nil (the events endpoint then reports
// unavailable, the dashboard marks the component degraded).
func New(cfg Config, m *fleet.Manager, runs *installer.RunStore, human *humanreq.Store, ev *events.Store) *Server {
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 10 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		fleet:     m,
		runs:      runs,
		human:     human,
		events:    ev,
		idem:      newIdempotencyCache(),
		startedAt: time.Now(),
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/slaves/register", s.handleRegister)
	mux.HandleFunc("POST /api/slaves/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/slaves/{id}/commands", s.handleCommands)
	mux.HandleFunc("GET /api/slaves/list", s.handleListSlaves)
	mux.HandleFunc("GET /api/slaves", s.handleListSlaves)
	mux.HandleFunc("GET /api/slaves/{id}", s.handleGetSlave)
	mux.HandleFunc("POST /api/slaves/{id}/unregister", s.handleUnregister)
	mux.HandleFunc("DELETE /api/slaves/{id}", s.handleUnregister)

	mux.HandleFunc("POST /api/agents/deploy", s.handleDeploy)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/placements", s.handlePlacements)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDestroy)
	mux.HandleFunc("POST /api/agents/{id}/destroy", s.handleDestroy)
	mux.HandleFunc("POST /api/agents/{id}/update_genome", s.handleUpdateGenome)
	mux.HandleFunc("POST /api/agents/{id}/genome", s.handleUpdateGenome)

	mux.HandleFunc("GET /api/cluster/stats", s.handleStats)
	mux.HandleFunc("GET /api/cluster/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/cluster/events", s.handleEvents)

	mux.HandleFunc("POST /api/installation/start", s.handleInstallStart)
	mux.HandleFunc("POST /api/installation/progress", s.handleInstallProgress)
	mux.HandleFunc("POST /api/installation/complete", s.handleInstallComplete)
	mux.HandleFunc("GET /api/installation/status", s.handleInstallRuns)
	mux.HandleFunc("GET /api/installation/runs", s.handleInstallRuns)
	mux.HandleFunc("GET /api/installation/runs/{id}", s.handleInstallRun)
	mux.HandleFunc("GET /api/installation/{id}", s.handleInstallRun)

	mux.HandleFunc("POST /api/human-requests", s.handleHumanCreate)
	mux.HandleFunc("GET /api/human-requests", s.handleHumanList)
	mux.HandleFunc("GET /api/human-requests/{id}", s.handleHumanGet)
	mux.HandleFunc("POST /api/human-requests/{id}/approve", s.transitionHandler(humanreq.StatusApproved))
	mux.HandleFunc("POST /api/human-requests/{id}/reject", s.transitionHandler(humanreq.StatusRejected))
	mux.HandleFunc("POST /api/human-requests/{id}/complete", s.transitionHandler(humanreq.StatusCompleted))
	mux.HandleFunc("POST /api/human-requests/{id}/cancel", s.transitionHandler(humanreq.StatusCancelled))

	return s.traceMiddleware(s.authMiddleware(s.idempotencyMiddleware(mux)))
}

// Start begins listening. Returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("orchestrator API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains in-flight requests within the configured deadline.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api shutdown incomplete", "error", err)
	}
}

// authMiddleware requires the bearer token on mutating requests. Reads stay
// open so operators can inspect the cluster without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || auth[len("Bearer "):] != s.cfg.Token {
			writeError(w, fault.New(fault.Auth, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware propagates (or generates) the trace id and echoes it back.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := trace.FromRequest(r)
		w.Header().Set(trace.Header, traceID)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Health())
}

// decodeJSON reads and decodes a bounded request body.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return fault.Wrap(fault.BadRequest, err, "read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Wrap(fault.BadRequest, err, "decode request body")
	}
	return nil
}

// decodeJSONOptional is decodeJSON for endpoints where an empty body is fine.
func decodeJSONOptional(r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return fault.Wrap(fault.BadRequest, err, "read request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Wrap(fault.BadRequest, err, "decode request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
