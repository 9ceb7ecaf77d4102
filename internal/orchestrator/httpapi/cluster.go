package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/protocol"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Stats())
}

// handleDashboard always answers 200. A broken component shows up as
// degraded in the document rather than as a failed endpoint.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash := protocol.Dashboard{
		Stats:       s.fleet.Stats(),
		Components:  map[string]protocol.ComponentStatus{},
		GeneratedAt: time.Now().UTC(),
	}

	dash.Components["fleet"] = protocol.ComponentStatus{Status: "ok"}

	if s.events == nil {
		dash.Components["events"] = protocol.ComponentStatus{Status: "degraded", Detail: "event log not configured"}
	} else if _, err := s.events.List(r.Context(), "", 1); err != nil {
		dash.Components["events"] = protocol.ComponentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		dash.Components["events"] = protocol.ComponentStatus{Status: "ok"}
	}

	if s.human == nil {
		dash.Components["human_requests"] = protocol.ComponentStatus{Status: "degraded", Detail: "store not configured"}
	} else {
		dash.PendingHuman = s.human.PendingCount()
		dash.Components["human_requests"] = protocol.ComponentStatus{Status: "ok"}
	}

	if s.runs == nil {
		dash.Components["installer"] = protocol.ComponentStatus{Status: "degraded", Detail: "run store not configured"}
	} else if _, err := s.runs.List(); err != nil {
		dash.Components["installer"] = protocol.ComponentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		dash.Components["installer"] = protocol.ComponentStatus{Status: "ok"}
	}

	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, fault.New(fault.NotFound, "event log not configured"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fault.New(fault.BadRequest, "invalid limit %q", v))
			return
		}
		limit = n
	}
	list, err := s.events.List(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}
