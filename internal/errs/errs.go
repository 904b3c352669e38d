// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package errs defines the structured error taxonomy shared by all engine
// components. Callers receive {kind, message, details} triples and never see
// raw transport errors.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP status mapping.
type Kind string

// Error kinds. Validation-class errors are never retried; connection-class
// errors degrade reads to replicas or surface as 503s.
const (
	KindValidation          Kind = "Validation"
	KindZoneValidation      Kind = "ZoneValidation"
	KindZoneOverlap         Kind = "ZoneOverlap"
	KindNotFound            Kind = "NotFound"
	KindConnectionFailed    Kind = "ConnectionFailed"
	KindPrimaryUnavailable  Kind = "PrimaryUnavailable"
	KindNoHealthyConnection Kind = "NoHealthyConnection"
	KindQueryTimeout        Kind = "QueryTimeout"
	KindBatchPartial        Kind = "BatchPartial"
	KindWebhookDelivery     Kind = "WebhookDeliveryFailed"
	KindNotInitialized      Kind = "NotInitialized"
	KindInternal            Kind = "Internal"
)

// Error is the structured error returned by all public engine operations.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Err is the wrapped cause, if any. Not serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair to the error's details and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a structured error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindInternal; nil reports an empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error class may be retried.
// Validation-class and not-initialized errors are terminal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindZoneValidation, KindZoneOverlap, KindNotFound, KindNotInitialized:
		return false
	}
	return true
}

// HTTPStatus maps an error kind to the status-code contract:
// 400 for validation, 404 for absent entities, 503 when unhealthy,
// 500 otherwise.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation, KindZoneValidation, KindZoneOverlap:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPrimaryUnavailable, KindNoHealthyConnection, KindConnectionFailed:
		return http.StatusServiceUnavailable
	case KindNotInitialized:
		return http.StatusServiceUnavailable
	case KindQueryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into a structured *Error, classifying
// unrecognized errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}
