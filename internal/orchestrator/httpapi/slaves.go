package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/protocol"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "read request body"))
		return
	}
	if err := validateRegistration(body); err != nil {
		writeError(w, err)
		return
	}
	var req protocol.RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "decode registration"))
		return
	}

	slave, err := s.fleet.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slave)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var hb protocol.HeartbeatRequest
	if err := decodeJSON(r, &hb); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fleet.Heartbeat(id, hb); err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.fleet.PendingCommands(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"pending_commands": len(pending),
	})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.fleet.Drain(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CommandsResponse{Commands: cmds, Count: len(cmds)})
}

func (s *Server) handleListSlaves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Slaves())
}

func (s *Server) handleGetSlave(w http.ResponseWriter, r *http.Request) {
	slave, err := s.fleet.Slave(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slave)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Unregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
