// ABOUTME: HTTP handlers for health checks and the scheduled-task trigger.
// ABOUTME: Scheduled runs go through an ephemeral session and return collected text.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
)

// runScheduledTaskRequest is the trigger body for POST /run-scheduled-task.
type runScheduledTaskRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	AgentID   string `json:"agentId,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

type runScheduledTaskResponse struct {
	Success          bool           `json:"success"`
	AssistantContent string         `json:"assistantContent,omitempty"`
	Usage            *backend.Usage `json:"usage,omitempty"`
	Error            string         `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness with the live backend count.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live backends)", s.svc.Registry().Len())
}

// handleRunScheduledTask executes one message through an ephemeral
// scheduled session and returns the collected reply.
func (s *Server) handleRunScheduledTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runScheduledTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &runScheduledTaskResponse{
			Success: false, Error: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, &runScheduledTaskResponse{
			Success: false, Error: "sessionId and message are required",
		})
		return
	}

	agentID := s.resolveAgent(r.Context(), req.SessionID, req.AgentID)

	text, usage, err := s.svc.Collect(r.Context(), session.TurnRequest{
		BusinessID: req.SessionID,
		AgentID:    agentID,
		Kind:       store.SessionKindScheduled,
		Text:       req.Message,
		Hints:      session.Hints{Workspace: req.Workspace},
	})
	if err != nil {
		s.logger.Error("scheduled task failed", "session", req.SessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, &runScheduledTaskResponse{
			Success: false, Error: text,
		})
		return
	}

	writeJSON(w, http.StatusOK, &runScheduledTaskResponse{
		Success: true, AssistantContent: text, Usage: usage,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
