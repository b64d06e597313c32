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

// Package server assembles the platform HTTP API.
package server

import (
	"context"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/kiloclaw/kiloclaw/pkg/controllers"
	"github.com/kiloclaw/kiloclaw/pkg/server/handler"
	"github.com/kiloclaw/kiloclaw/pkg/server/middleware"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

// Options allows server options to be overridden.
type Options struct {
	// ListenAddress tells the server what to listen on.
	ListenAddress string

	// ReadTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadTimeout time.Duration

	// ReadHeaderTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadHeaderTimeout time.Duration

	// WriteTimeout defines how long we take to respond before we give
	// up.  Starts wait up to a minute for the machine, so this is long.
	WriteTimeout time.Duration

	// RequestTimeout places a hard limit on all request lengths.
	RequestTimeout time.Duration

	// OTLPEndpoint defines whether to ship spans to an OTLP consumer or
	// not, and where to send them to.
	OTLPEndpoint string
}

// AddFlags allows server options to be modified.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.ListenAddress, "server-listen-address", ":6080", "API listener address.")
	f.DurationVar(&o.ReadTimeout, "server-read-timeout", time.Second, "How long to wait for the client to send the request body.")
	f.DurationVar(&o.ReadHeaderTimeout, "server-read-header-timeout", time.Second, "How long to wait for the client to send headers.")
	f.DurationVar(&o.WriteTimeout, "server-write-timeout", 2*time.Minute, "How long to wait for the API to respond to the client.")
	f.DurationVar(&o.RequestTimeout, "server-request-timeout", 2*time.Minute, "How long to wait for a request to be serviced.")
	f.StringVar(&o.OTLPEndpoint, "otlp-endpoint", "", "An optional OTLP endpoint to ship spans to.")
}

// Server is the platform API server.
type Server struct {
	options *Options
	log     logr.Logger
	manager *controllers.Manager
	store   *store.Store

	// internalKey authenticates calling backends.
	internalKey string
}

// New returns a server.
func New(options *Options, log logr.Logger, manager *controllers.Manager, s *store.Store, internalKey string) *Server {
	return &Server{
		options:     options,
		log:         log,
		manager:     manager,
		store:       s,
		internalKey: internalKey,
	}
}

// SetupOpenTelemetry adds a span processor that prints root spans to the
// logs by default, and optionally ships the spans to an OTLP listener.
func (s *Server) SetupOpenTelemetry(ctx context.Context) error {
	opts := []trace.TracerProviderOption{
		trace.WithSpanProcessor(&middleware.LoggingSpanProcessor{Log: s.log}),
	}

	if s.options.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(s.options.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return err
		}

		opts = append(opts, trace.WithBatcher(exporter))
	}

	otel.SetTracerProvider(trace.NewTracerProvider(opts...))

	return nil
}

// GetServer assembles the routing table and returns a http.Server.
func (s *Server) GetServer() *http.Server {
	h := handler.New(s.manager)

	router := chi.NewRouter()

	// Middleware here is applied to all requests pre-routing.
	router.Use(middleware.Logger(s.log))
	router.Use(middleware.RequestID())
	router.Use(chimiddleware.Timeout(s.options.RequestTimeout))
	router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-Internal-Key", "X-Request-Id"},
	}))
	router.NotFound(handler.NotFound)
	router.MethodNotAllowed(handler.MethodNotAllowed)

	router.Get("/healthz", s.healthz)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api/platform", func(r chi.Router) {
		r.Use(middleware.InternalAuth(s.internalKey))

		r.Post("/provision", h.Provision)
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/destroy", h.Destroy)
		r.Get("/status", h.Status)
		r.Post("/config", h.UpdateConfig)
		r.Delete("/app", h.DestroyApp)
		r.Get("/pairing", h.ListPairing)
		r.Post("/pairing/approve", h.ApprovePairing)
	})

	return &http.Server{
		Addr:              s.options.ListenAddress,
		ReadTimeout:       s.options.ReadTimeout,
		ReadHeaderTimeout: s.options.ReadHeaderTimeout,
		WriteTimeout:      s.options.WriteTimeout,
		Handler:           router,
	}
}

// healthz reports liveness of the server and its store.  Unauthenticated:
// it leaks nothing and the orchestrator's prober has no credentials.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error(err, "health check failed")

		http.Error(w, "store unavailable", http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
}
