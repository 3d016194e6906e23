package web

// errors.go provides unified error response handling for the web layer.
// Technical errors are logged with the request ID for correlation; clients
// get a user-friendly message, an action suggestion, and a stable code.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/statementwatch/statementwatch/internal/importer"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs the technical error and writes the mapped user message
// with a status derived from the error kind.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := statusFor(err)
	userMsg := importer.MapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", chimiddleware.GetReqID(r.Context()),
	)

	respondErrorJSON(w, userMsg, statusCode)
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg importer.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, importer.ErrJobNotFound), errors.Is(err, importer.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, importer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importer.ErrTooManyUploads):
		return http.StatusTooManyRequests
	case errors.Is(err, importer.ErrInvalidFormat),
		errors.Is(err, importer.ErrEmptyFile),
		errors.Is(err, importer.ErrInvalidEntityType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
