package httpapi

import (
	"net/http"
	"path"
	"strings"

	"learnhub-backend-go/internal/services"

	"github.com/go-chi/chi/v5"
)

type CertificateVerifyResponse struct {
	CourseID    string                `json:"course_id"`
	UserID      string                `json:"user_id"`
	Valid       bool                  `json:"valid"`
	Reason      string                `json:"reason,omitempty"`
	Certificate *services.Certificate `json:"certificate,omitempty"`
}

func (s *Server) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	courseID := strings.TrimSpace(r.URL.Query().Get("course_id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if courseID == "" || userID == "" {
		WriteError(w, http.StatusBadRequest, "course_id and user_id are required")
		return
	}
	result, err := s.Certificates.Verify(r.Context(), courseID, userID)
	if err != nil {
		writeServiceError(w, "verify certificate", err)
		return
	}
	WriteJSON(w, http.StatusOK, CertificateVerifyResponse{
		CourseID:    courseID,
		UserID:      userID,
		Valid:       result.Valid,
		Reason:      result.Reason,
		Certificate: result.Certificate,
	})
}

// CertificateFile serves rendered artifacts from the certificate root.
// Directory listings and in-flight temp files are never exposed.
func (s *Server) CertificateFile(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	clean := path.Clean("/" + rel)
	name := path.Base(clean)
	if rel == "" || strings.HasSuffix(rel, "/") || strings.HasPrefix(name, ".") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	file, err := http.Dir(s.Certificates.Root()).Open(clean)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, name, info.ModTime(), file)
}
