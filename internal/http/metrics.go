package httpapi

import (
	"net/http"

	"learnhub-backend-go/internal/services"

	"github.com/gorilla/websocket"
)

type HealthResponse struct {
	Status string `json:"status"`
	services.HealthReport
	AlertSubscribers int `json:"alert_subscribers"`
}

func (s *Server) HealthStatus(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", HealthReport: services.HealthReport{Database: "unknown"}}
	if s.Health != nil {
		resp.HealthReport = s.Health.Report(r.Context())
	}
	if resp.Database == "unavailable" {
		resp.Status = "degraded"
	}
	if s.AlertHub != nil {
		resp.AlertSubscribers = s.AlertHub.Count()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// AlertsSocket streams new ops alerts to admins. Browsers cannot set headers
// on websocket requests, so the credential travels as ?token= and may be
// either an access token or the admin token.
func (s *Server) AlertsSocket(w http.ResponseWriter, r *http.Request) {
	if s.AlertHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "Alert stream disabled")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	actor, err := s.Identity.Resolve(r.Context(), services.Credentials{BearerToken: token})
	if err != nil {
		actor, err = s.Identity.Resolve(r.Context(), services.Credentials{AdminToken: token})
	}
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	if !actor.IsAdmin {
		WriteError(w, http.StatusForbidden, "Not allowed")
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.AlertHub.Add(conn)
	defer func() {
		s.AlertHub.Remove(conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
