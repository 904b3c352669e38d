// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package api is the thin HTTP shim over the engine: request decoding,
// validation translation, and the status-code contract. No business logic
// lives here.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/toursafe/geofenced/internal/errs"
)

// apiResponse is the envelope every endpoint returns.
type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

// apiError mirrors the engine's structured error triple.
type apiError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeData writes a success envelope with the given status.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

// writeError maps the error to the status contract and writes the error
// envelope.
func writeError(w http.ResponseWriter, err error) {
	e := errs.AsError(err)
	writeJSON(w, errs.HTTPStatus(err), apiResponse{
		Success: false,
		Error: &apiError{
			Kind:    string(e.Kind),
			Message: e.Message,
			Details: e.Details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding the envelope cannot fail for the types used here; if the
	// connection is gone there is nobody left to tell.
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body into dst, translating failures to
// validation errors.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.KindValidation, "invalid request body", err)
	}
	return nil
}
