package httpapi

import (
	"net/http"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"

	"github.com/go-chi/chi/v5"
)

func (s *Server) UpdateModuleProgress(w http.ResponseWriter, r *http.Request) {
	actor, ok := CurrentActor(r)
	if !ok {
		WriteError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	var req ModuleProgressRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = actor.UserID
	}
	result, err := s.Cascade.UpdateModuleProgress(r.Context(), actor, services.ProgressUpdate{
		CourseID:    req.CourseID,
		ModuleID:    chi.URLParam(r, "moduleId"),
		UserID:      userID,
		CohortID:    req.CohortID,
		Status:      models.ModuleStatus(req.Status),
		Score:       req.Score,
		ArtifactURL: req.ArtifactURL,
		Notes:       req.Notes,
	})
	if err != nil {
		writeServiceError(w, "update module progress", err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
