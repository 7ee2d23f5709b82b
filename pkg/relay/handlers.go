package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/go-go-golems/chatline/pkg/relay/dialogue"
	"github.com/go-go-golems/chatline/pkg/session"
)

const defaultRESTSession = "default_session"

// endpointReporter is implemented by engines that talk to a remote service.
type endpointReporter interface {
	URL() string
	URLs() []string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Healthcare Chatbot API",
		"status":  "running",
		"version": s.version,
	})
}

func (s *Server) engineHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.engine.Healthy(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.engineHealthy(r.Context())
	status, engineStatus := "healthy", "healthy"
	if !healthy {
		status, engineStatus = "degraded", "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"services": map[string]string{
			"api":       "healthy",
			"websocket": "healthy",
			"dialogue":  engineStatus,
		},
		"active_sessions": s.ActiveSessions(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDialogueStatus(w http.ResponseWriter, r *http.Request) {
	status := "disconnected"
	if s.engineHealthy(r.Context()) {
		status = "connected"
	}
	resp := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if rep, ok := s.engine.(endpointReporter); ok {
		resp["url"] = rep.URL()
		resp["fallback_urls"] = rep.URLs()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_connections": s.pool.Count(),
		"sessions":           s.pool.Sessions(),
	})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatButton struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type chatResponse struct {
	Text      string       `json:"text"`
	Buttons   []chatButton `json:"buttons"`
	SessionID string       `json:"session_id"`
	Timestamp string       `json:"timestamp"`
}

// handleChat answers a single message without a WebSocket. Only the first
// reply message is returned.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Message is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = defaultRESTSession
	}
	id, err := session.Parse(req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	start := time.Now()
	reply, err := s.engine.Respond(r.Context(), id, req.Message)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("dialogue engine failed, using fallback reply")
		reply = dialogue.FallbackReply(time.Now().UTC())
	}
	if len(reply.Messages) == 0 {
		reply = dialogue.FallbackReply(time.Now().UTC())
	}
	s.metrics.DialogueDone(time.Since(start), reply.Fallback)

	first := reply.Messages[0]
	buttons := make([]chatButton, 0, len(first.Actions))
	for _, a := range first.Actions {
		buttons = append(buttons, chatButton{Title: a.Label, Payload: a.Value})
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Text:      first.Text,
		Buttons:   buttons,
		SessionID: id.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
