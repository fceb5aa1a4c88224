package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// APIError is an error with an HTTP status.
type APIError interface {
	Error() string
	StatusCode() int
}

type BadRequestError struct {
	Msg string
}

func (e BadRequestError) Error() string {
	return e.Msg
}

func (BadRequestError) StatusCode() int {
	return http.StatusBadRequest
}

type UnauthorizedError struct {
	Msg string
}

func (e UnauthorizedError) Error() string {
	return e.Msg
}

func (UnauthorizedError) StatusCode() int {
	return http.StatusUnauthorized
}

type NotFoundError struct {
	Msg string
}

func (e NotFoundError) Error() string {
	return e.Msg
}

func (NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string {
	return e.Msg
}

func (ConflictError) StatusCode() int {
	return http.StatusConflict
}

type UnavailableError struct {
	Msg string
}

func (e UnavailableError) Error() string {
	return e.Msg
}

func (UnavailableError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// apiResponse is the body of every /api response.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

// storeError maps a store error onto an APIError.
func storeError(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return NotFoundError{Msg: "not found"}
	case errors.Is(err, model.ErrDuplicateResult):
		return ConflictError{Msg: model.ErrDuplicateResult.Error()}
	case errors.Is(err, model.ErrInvalidCategory),
		errors.Is(err, model.ErrResultUserEmpty),
		errors.Is(err, model.ErrResultSentenceEmpty),
		errors.Is(err, model.ErrResultMetrics):
		return BadRequestError{Msg: err.Error()}
	default:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}); err != nil {
		slog.Debug("response write failed", "err", err)
	}
}

// writeError sends err as JSON. Errors that are not APIErrors become a 500
// without their message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"
	var apiErr APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode()
		msg = apiErr.Error()
	} else {
		slog.Error("request failed", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: msg})
}
