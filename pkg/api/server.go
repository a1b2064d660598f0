/*
Copyright 2022-2024 EscherCloud.

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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/eschercloudai/stratus/pkg/api/middleware"
	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/metadata"
	"github.com/eschercloudai/stratus/pkg/zone"
)

// Server assembles the HTTP front end: the query API, the guest
// metadata trees, the zone info endpoint and metrics.
type Server struct {
	options *Options
	log     logr.Logger
	handler *Handler
	meta    *metadata.Handler
}

// NewServer wires the endpoint up.
func NewServer(options *Options, log logr.Logger, authManager *auth.Manager, controller *cloud.Controller, meta *metadata.Handler) *Server {
	return &Server{
		options: options,
		log:     log,
		handler: NewHandler(authManager, controller),
		meta:    meta,
	}
}

// SetupOpenTelemetry adds a span processor that prints root spans to
// the logs, and optionally ships the spans to an OTLP listener.
func (s *Server) SetupOpenTelemetry(ctx context.Context) error {
	otel.SetLogger(s.log)

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

// Router routes the endpoint.  The metadata trees live on the same
// listener as the API, one mount per supported version.
func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.Logger(s.log))
	router.Use(middleware.Timeout(s.options.RequestTimeout))
	router.NotFound(s.notFound)

	router.Get("/", s.versions)

	router.Handle("/services/Cloud", s.handler)
	router.Handle("/services/Cloud/", s.handler)

	router.Mount("/latest", s.meta.Routes())

	for _, version := range metadata.Versions {
		router.Mount("/"+version, s.meta.Routes())
	}

	router.Get("/info", s.info)
	router.Handle("/metrics", promhttp.Handler())

	return router
}

// HTTPServer returns the server wired up to the router with the
// configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.options.ListenAddress,
		ReadTimeout:       s.options.ReadTimeout,
		ReadHeaderTimeout: s.options.ReadHeaderTimeout,
		WriteTimeout:      s.options.WriteTimeout,
		Handler:           s.Router(),
	}
}

// versions lists the dated metadata versions, one per line.
func (s *Server) versions(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if _, err := w.Write([]byte(strings.Join(metadata.Versions, "\n") + "\n")); err != nil {
		log.Error(err, "failed to write response")
	}
}

// info serves the zone description a parent zone's poller reads.
func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	if s.options.InfoUsername != "" {
		username, password, ok := r.BasicAuth()
		if !ok || username != s.options.InfoUsername || password != s.options.InfoPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="stratus"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}
	}

	info := &zone.Info{
		Name:         s.options.ZoneName,
		Capabilities: s.options.ZoneCapabilities.Map,
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(info); err != nil {
		log.Error(err, "failed to write response")
	}
}

// notFound renders unknown paths the way API errors render.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	errors.NotFound("NotFound", fmt.Sprintf("no handler for path %q", r.URL.Path)).Write(w, r, "req-"+uuid.New().String())
}
