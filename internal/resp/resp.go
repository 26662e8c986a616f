// Package resp writes the JSON envelopes every API endpoint answers with.
package resp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nimmit/backend/internal/apperr"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   *Body  `json:"error,omitempty"`
}

// Body describes a failure.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, data any, message string) {
	JSON(w, http.StatusCreated, Envelope{Success: true, Data: data, Message: message})
}

// Error maps err to its status and failure envelope. Errors without a code
// are reported as INTERNAL_ERROR and logged.
func Error(w http.ResponseWriter, log *slog.Logger, err error) {
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		if log == nil {
			log = slog.Default()
		}
		log.Error("request failed", "error", err, "code", body.Code)
	}
	JSON(w, status, Envelope{Success: false, Error: body})
}

// Fail writes a failure envelope from explicit parts.
func Fail(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, Envelope{Success: false, Error: &Body{Code: code, Message: message}})
}

func describe(err error) (int, *Body) {
	c, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError, &Body{Code: "INTERNAL_ERROR", Message: "internal server error"}
	}
	body := &Body{Code: c.Code(), Message: c.Error()}

	var (
		ve *apperr.ValidationError
		ic *apperr.InsufficientCreditsError
		it *apperr.InvalidTransitionError
		pe *apperr.PersistenceError
		xe *apperr.ExternalServiceError
	)
	switch {
	case errors.As(err, &ve):
		body.Details = ve.Fields
	case errors.As(err, &ic):
		body.Details = ic
	case errors.As(err, &it):
		body.Details = it
	case errors.As(err, &pe):
		body.Message = "internal server error"
	case errors.As(err, &xe):
		body.Message = xe.Service + " is unavailable"
	}
	return c.Status(), body
}
