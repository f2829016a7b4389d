package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"learnhub-backend-go/internal/services"

	"github.com/go-playground/validator/v10"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Message: message})
}

func mapServiceError(w http.ResponseWriter, err error) bool {
	if serr, ok := services.AsServiceError(err); ok {
		WriteError(w, serr.Status, serr.Message)
		return true
	}
	return false
}

// writeServiceError maps known service errors and logs the rest as 500s.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	if mapServiceError(w, err) {
		return
	}
	log.Printf("[http] %s failed: %v", op, err)
	WriteError(w, http.StatusInternalServerError, "Internal server error")
}

const maxBodyBytes = 1 << 20

// decodeJSON reads the body into dst and runs struct validation. An empty body
// is accepted when allowEmpty is set. It writes the 400 itself.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			WriteError(w, http.StatusBadRequest, "Invalid request body")
			return false
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request body"
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return field + " is invalid"
	}
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < 1 {
		return fallback
	}
	return value
}
