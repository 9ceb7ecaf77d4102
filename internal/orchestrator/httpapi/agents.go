package httpapi

import (
	"net/http"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
)

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := genome.FromDocument(req.Genome)
	if err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "invalid genome"))
		return
	}
	agent, err := s.fleet.Deploy(g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.DeployResponse{AgentID: agent.ID})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Destroy(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroy_queued"})
}

func (s *Server) handleUpdateGenome(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := genome.FromDocument(req.Genome)
	if err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "invalid genome"))
		return
	}
	if err := s.fleet.UpdateGenome(r.PathValue("id"), g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "update_queued"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Agents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.fleet.Agent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Placements())
}
