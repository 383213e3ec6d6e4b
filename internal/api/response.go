// Package api exposes the coordinator's two HTTP surfaces: the agent plane
// (register + poll websocket + metrics) on a TCP port, and the operator
// control plane on a unix domain socket. Both use chi and the same JSON
// envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kjubybot/notssh/internal/control"
	"github.com/kjubybot/notssh/internal/store"
)

// envelope is the JSON wrapper for every response. Success wraps the payload
// in "data"; errors use "error" with a human-readable message.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in
// {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

type errorResponse struct {
	Message string `json:"message"`
}

func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message}})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message)
}

// WriteError maps a service error onto the HTTP response. Anything not
// recognized collapses to a bare 500 so backend detail never reaches the
// operator or the agent.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errJSON(w, http.StatusNotFound, "client not found")
	case errors.Is(err, store.ErrAlreadyConnected):
		errJSON(w, http.StatusBadRequest, "client is already connected")
	case errors.Is(err, control.ErrTimeout):
		errJSON(w, http.StatusGatewayTimeout, "action timeout")
	case errors.Is(err, control.ErrUnavailable):
		errJSON(w, http.StatusServiceUnavailable, "client unavailable")
	default:
		errJSON(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
