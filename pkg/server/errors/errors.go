/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors formats platform API errors: every failure a handler can
// produce becomes an HTTPError carrying a status, a terse machine-readable
// code and a description, serialized as JSON.  Library errors are logged
// but never leak to the client.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/controllers/app"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// ErrRequest is raised for all handler errors.
var ErrRequest = errors.New("request error")

// Code is the terse error code returned to the client.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeUnauthorized   Code = "unauthorized"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeServerError    Code = "server_error"
)

// HTTPError wraps ErrRequest with contextual information used to
// propagate and create suitable responses.
type HTTPError struct {
	// status is the HTTP status code.
	status int

	// code is the terse error code to return to the client.
	code Code

	// description is a verbose description to log/return to the user.
	description string

	// err is set when the originator was an error.  Logged, never
	// returned, so server internals don't leak.
	err error
}

func newHTTPError(status int, code Code, description string) *HTTPError {
	return &HTTPError{
		status:      status,
		code:        code,
		description: description,
	}
}

// WithError augments the error with an error from a library.
func (e *HTTPError) WithError(err error) *HTTPError {
	e.err = err

	return e
}

// Unwrap implements Go 1.13 errors.
func (e *HTTPError) Unwrap() error {
	return ErrRequest
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.description
}

type errorResponse struct {
	Error            Code   `json:"error"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// Write returns the error code and description to the client.
func (e *HTTPError) Write(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	details := []any{"status", e.status, "code", e.code}

	if e.description != "" {
		details = append(details, "detail", e.description)
	}

	if e.err != nil {
		details = append(details, "error", e.err.Error())
	}

	log.Info("request error", details...)

	w.Header().Add("Cache-Control", "no-cache")
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(e.status)

	body, err := json.Marshal(&errorResponse{
		Error:            e.code,
		ErrorDescription: e.description,
	})
	if err != nil {
		log.Error(err, "failed to marshal error response")

		return
	}

	if _, err := w.Write(body); err != nil {
		log.Error(err, "failed to write error response")
	}
}

func HTTPInvalidRequest(description string) *HTTPError {
	return newHTTPError(http.StatusBadRequest, CodeInvalidRequest, description)
}

func HTTPUnauthorized(description string) *HTTPError {
	return newHTTPError(http.StatusUnauthorized, CodeUnauthorized, description)
}

func HTTPNotFound(description string) *HTTPError {
	return newHTTPError(http.StatusNotFound, CodeNotFound, description)
}

func HTTPConflict(description string) *HTTPError {
	return newHTTPError(http.StatusConflict, CodeConflict, description)
}

func HTTPMethodNotAllowed() *HTTPError {
	return newHTTPError(http.StatusMethodNotAllowed, CodeInvalidRequest, "the requested method was not allowed")
}

func HTTPServerError(description string) *HTTPError {
	return newHTTPError(http.StatusInternalServerError, CodeServerError, description)
}

// FromController maps a controller error onto the HTTP surface.
func FromController(err error) *HTTPError {
	collision := &fly.AppNameCollisionError{}

	switch {
	case errors.Is(err, instance.ErrInvalidArgument):
		return HTTPInvalidRequest(err.Error())
	case errors.Is(err, instance.ErrDestroying):
		return HTTPConflict("instance is being destroyed").WithError(err)
	case errors.Is(err, instance.ErrNotProvisioned):
		return HTTPNotFound("instance is not provisioned").WithError(err)
	case errors.Is(err, instance.ErrNotRunning):
		return HTTPConflict("instance is not running").WithError(err)
	case errors.Is(err, instance.ErrUserMismatch), errors.Is(err, app.ErrUserMismatch):
		return HTTPConflict("user identity mismatch").WithError(err)
	case errors.As(err, &collision):
		// Tenant-isolation breach; keep both user IDs in the log.
		return HTTPServerError("app name collision").WithError(err)
	}

	return HTTPServerError("unable to perform operation").WithError(err)
}

// HandleError writes err to the response, wrapping non-HTTP errors as
// internal server errors.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	httpError := &HTTPError{}

	if !errors.As(err, &httpError) {
		httpError = FromController(err)
	}

	httpError.Write(w, r)
}
