package httpapi

import (
	"net/http"

	"github.com/bdobrica/Taicho/internal/orchestrator/installer"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Installation endpoints track externally driven runs: a slave installing
// itself (or an operator's script) registers the run, streams progress and
// finalizes it, so the orchestrator holds the full transcript either way.

func (s *Server) handleInstallStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.InstallationStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.Create(req.RunID, req.Host, req.Port, req.CredentialsRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleInstallProgress(w http.ResponseWriter, r *http.Request) {
	var req protocol.InstallationProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.Append(req.RunID, installer.LogEntry{
		Strategy: req.Strategy,
		Command:  req.Command,
		Stdout:   req.Stdout,
		Stderr:   req.Stderr,
		ExitCode: req.ExitCode,
		Message:  req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleInstallComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.InstallationCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.Complete(req.RunID, installer.RunStatus(req.Status), req.ResultingSlaveID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleInstallRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleInstallRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
