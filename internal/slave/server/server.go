// Package server is the slave's HTTP surface: health and version for the
// master's probes, and the bearer-gated execute endpoint the remote
// installer drives while this node bootstraps itself.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/protocol"
	"github.com/bdobrica/Taicho/internal/slave/hosted"
)

const (
	maxBodyBytes          = 1 << 20
	defaultExecuteTimeout = 5 * time.Minute
	replayTTL             = 60 * time.Second
)

// StrategyDetector reports the installation strategies this node supports.
type StrategyDetector interface {
	Detect(ctx context.Context) []string
}

// Config configures the slave HTTP server.
type Config struct {
	Addr  string
	Token string
}

// Server serves the slave's endpoints.
type Server struct {
	cfg         Config
	fingerprint version.Fingerprint
	registry    *hosted.Registry
	detector    StrategyDetector
	server      *http.Server

	mu       sync.Mutex
	replayed map[string]replayEntry
}

type replayEntry struct {
	response protocol.ExecuteResponse
	at       time.Time
}

// New builds the server. registry may be nil during bootstrap, before any
// agents can be hosted.
func New(cfg Config, fp version.Fingerprint, registry *hosted.Registry, detector StrategyDetector) *Server {
	s := &Server{
		cfg:         cfg,
		fingerprint: fp,
		registry:    registry,
		detector:    detector,
		replayed:    make(map[string]replayEntry),
	}
	s.server = &http.Server{Addr: cfg.Addr, Handler: s.Handler()}
	return s
}

// Handler returns the route table, exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /execute", s.authOnly(s.handleExecute))
	return mux
}

// Start begins listening. Returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("slave listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("slave API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("slave server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("slave shutdown incomplete", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count := 0
	if s.registry != nil {
		count = s.registry.Count()
	}
	var available []string
	if s.detector != nil {
		available = s.detector.Detect(r.Context())
	}
	writeJSON(w, http.StatusOK, protocol.SlaveHealthResponse{
		Status:              "ok",
		RuntimeVersion:      s.fingerprint.RuntimeVersion,
		GitCommit:           s.fingerprint.GitCommit,
		GitBranch:           s.fingerprint.GitBranch,
		AvailableStrategies: available,
		AgentsCount:         count,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fingerprint)
}

// handleExecute runs one shell command for the remote installer. Redelivered
// requests carrying the same X-Idempotency-Key replay the recorded result
// instead of running the command twice.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "read body"))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "decode body"))
		return
	}
	if req.Command == "" {
		writeError(w, fault.New(fault.BadRequest, "command must not be empty"))
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if key != "" {
		if resp, ok := s.replay(key); ok {
			w.Header().Set("X-Idempotency-Replay", "true")
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	timeout := defaultExecuteTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	resp := runCommand(r.Context(), req.Command, timeout)
	if key != "" {
		s.remember(key, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// runCommand executes the command under sh with a bounded duration. A
// non-zero exit is a result, not an error; the installer decides what it
// means.
func runCommand(ctx context.Context, command string, timeout time.Duration) protocol.ExecuteResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
			fmt.Fprintf(&stderr, "taicho: %v\n", err)
		}
	}
	slog.Info("executed command", "exit_code", exitCode, "duration", time.Since(start))
	return protocol.ExecuteResponse{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// limitedBuffer caps captured command output so a chatty install script
// cannot exhaust memory.
type limitedBuffer struct {
	buf []byte
}

const maxCapturedOutput = 256 << 10

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }

func (s *Server) replay(key string) (protocol.ExecuteResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.replayed[key]
	if !ok || time.Since(e.at) > replayTTL {
		delete(s.replayed, key)
		return protocol.ExecuteResponse{}, false
	}
	return e.response, true
}

func (s *Server) remember(key string, resp protocol.ExecuteResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.replayed {
		if time.Since(e.at) > replayTTL {
			delete(s.replayed, k)
		}
	}
	s.replayed[key] = replayEntry{response: resp, at: time.Now()}
}

// authOnly requires the bearer token when one is configured. An empty token
// leaves the endpoint open for local development.
func (s *Server) authOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, fault.New(fault.Auth, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	writeJSON(w, fault.HTTPStatus(kind), protocol.ErrorResponse{
		Error: err.Error(),
		Kind:  string(kind),
	})
}
