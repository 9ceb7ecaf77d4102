package httpapi

import (
	"net/http"
	"strconv"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
)

func (s *Server) handleHumanCreate(w http.ResponseWriter, r *http.Request) {
	var req humanreq.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.human.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleHumanList(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = r.URL.Query().Get("status")
	}
	list := s.human.List(humanreq.Status(state))
	writeJSON(w, http.StatusOK, map[string]any{"requests": list, "count": len(list)})
}

func (s *Server) handleHumanGet(w http.ResponseWriter, r *http.Request) {
	id, err := humanRequestID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.human.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// transitionHandler builds the approve/reject/complete/cancel handlers, which
// differ only in the target status.
func (s *Server) transitionHandler(to humanreq.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := humanRequestID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		// The body is optional on transitions, but a malformed one is refused.
		var res humanreq.Resolution
		if err := decodeJSONOptional(r, &res); err != nil {
			writeError(w, err)
			return
		}

		req, err := s.human.Transition(id, to, res)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func humanRequestID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fault.New(fault.BadRequest, "invalid human request id %q", r.PathValue("id"))
	}
	return id, nil
}
