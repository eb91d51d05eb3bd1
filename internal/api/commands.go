package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
)

// commandRequest is the body of POST /commands. Exactly one of Command
// or Action must be set.
type commandRequest struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command,omitempty"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// commandResponse is returned with 202 Accepted.
type commandResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Command string `json:"command"`
}

// handleSubmitCommand queues a command on the device session.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if s.commander == nil {
		writeProblem(w, unavailable, "command path not configured")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, badRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	cmd, err := s.commander.Execute(r.Context(), p20hd.CommandMessage{
		ID:         req.ID,
		Command:    req.Command,
		Action:     req.Action,
		Parameters: req.Parameters,
		Source:     p20hd.SourceAPI,
	})
	if err != nil {
		s.writeCommandError(w, r, req.ID, err)
		return
	}

	s.logger.Info("command accepted",
		"command_id", req.ID,
		"command", cmd,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, commandResponse{ID: req.ID, Status: "accepted", Command: cmd})
}

func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, id string, err error) {
	s.logger.Debug("command refused", "command_id", id, "error", err, "request_id", middleware.GetReqID(r.Context()))

	kind, known := classify(err)
	if !known {
		s.logger.Error("command submission failed", "command_id", id, "error", err)
		writeProblem(w, kind, "command submission failed")
		return
	}
	writeProblem(w, kind, err.Error())
}
