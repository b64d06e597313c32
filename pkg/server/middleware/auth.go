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

// Package middleware provides the pre-routing request plumbing: tracing,
// logging, request identity and the internal shared-key gate.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kiloclaw/kiloclaw/pkg/server/errors"
)

const (
	authHeader      = "X-Internal-Key"
	requestIDHeader = "X-Request-Id"
)

// RequestID tags every request with an ID, honoring one supplied by the
// calling backend so a request can be chased across services.
func RequestID() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}

			w.Header().Set(requestIDHeader, id)

			log := logr.FromContextOrDiscard(r.Context()).WithValues("request.id", id)

			next.ServeHTTP(w, r.WithContext(logr.NewContext(r.Context(), log)))
		})
	}
}

// InternalAuth gates the platform API behind a shared internal key.  The
// platform API is backend-to-backend only; end users never reach it.
func InternalAuth(key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get(authHeader)

			if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				errors.HTTPUnauthorized("missing or invalid internal key").Write(w, r)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
