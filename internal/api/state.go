package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// stateResponse is the body of GET /state.
type stateResponse struct {
	Status replay.Status          `json:"status"`
	State  replay.DeviceState     `json:"state"`
	Values []replay.CategoryValue `json:"values"`
}

// handleGetState returns the whole cached snapshot.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	cache := s.session.State()
	snap := cache.Snapshot()
	writeJSON(w, http.StatusOK, stateResponse{
		Status: s.session.Status(),
		State:  snap,
		Values: snap.Values(),
	})
}

// handleGetCategory returns one category, e.g. /state/QSP.
func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	category := strings.ToUpper(chi.URLParam(r, "category"))
	v, ok := s.session.State().Lookup(category)
	if !ok {
		writeProblem(w, notFound, "unknown state category: "+category)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleListActions lists the named actions accepted by POST /commands.
func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": replay.ActionNames()})
}
