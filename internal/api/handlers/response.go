// Package handlers provides HTTP handlers for the assessment API.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps an error code to its HTTP status
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidState:
		return http.StatusUnprocessableEntity
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError replies with the mapped status. Internal failures are logged
// and their message is not exposed.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	status := StatusFor(code)
	msg := apperr.MessageOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		code = apperr.CodeInternal
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: string(code), Message: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: string(apperr.CodeInvalidArgument), Message: msg})
}
