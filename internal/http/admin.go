package httpapi

import (
	"net/http"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/go-chi/chi/v5"
)

func (s *Server) AdminEnroll(w http.ResponseWriter, r *http.Request) {
	var req CohortRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}
	summary, err := s.Activator.EnrollLearner(r.Context(), chi.URLParam(r, "courseId"), chi.URLParam(r, "userId"), req.CohortID)
	if err != nil {
		writeServiceError(w, "enroll learner", err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) AdminCompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CohortRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}
	outcome, err := s.Cascade.CompleteEnrollment(r.Context(), chi.URLParam(r, "courseId"), chi.URLParam(r, "userId"), req.CohortID)
	if err != nil {
		writeServiceError(w, "complete enrollment", err)
		return
	}
	WriteJSON(w, http.StatusOK, outcome)
}

type CohortCompletionResponse struct {
	CohortID         string                 `json:"cohort_id"`
	CourseID         string                 `json:"course_id"`
	UserID           string                 `json:"user_id"`
	CompletionState  models.CompletionState `json:"completion_state"`
	CompletedByStaff bool                   `json:"completed_by_staff"`
	CompletedAt      *string                `json:"completed_at"`
	CertificateURL   string                 `json:"certificate_url"`
}

func (s *Server) AdminCompleteCohort(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.Cascade.MarkCohortComplete(r.Context(), chi.URLParam(r, "cohortId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, "complete cohort", err)
		return
	}
	var completedAt *string
	if enrollment.CompletedAt != nil {
		value := enrollment.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &value
	}
	WriteJSON(w, http.StatusOK, CohortCompletionResponse{
		CohortID:         enrollment.CohortID,
		CourseID:         enrollment.CourseID,
		UserID:           enrollment.UserID,
		CompletionState:  enrollment.CompletionState,
		CompletedByStaff: enrollment.CompletedByStaff,
		CompletedAt:      completedAt,
		CertificateURL:   enrollment.CertificateURL,
	})
}

func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := models.AlertStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	items, err := s.Alerts.List(r.Context(), status, limit)
	if err != nil {
		writeServiceError(w, "list alerts", err)
		return
	}
	if items == nil {
		items = []models.OpsAlert{}
	}
	WriteJSON(w, http.StatusOK, AlertListResponse{Items: items})
}

var alertActions = map[string]models.AlertStatus{
	"acknowledge": models.AlertAcknowledged,
	"resolve":     models.AlertResolved,
	"reopen":      models.AlertOpen,
}

func (s *Server) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	status, ok := alertActions[strings.ToLower(chi.URLParam(r, "action"))]
	if !ok {
		WriteError(w, http.StatusBadRequest, "Unknown alert action")
		return
	}
	alertID := chi.URLParam(r, "alertId")
	if err := s.Alerts.SetStatus(r.Context(), alertID, status); err != nil {
		writeServiceError(w, "update alert", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": alertID, "status": string(status)})
}
