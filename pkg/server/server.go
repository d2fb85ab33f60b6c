// Copyright 2025 The Dossier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the OpenAI-compatible chat surface plus the
// operational endpoints (models, health, file open, search proxy,
// metrics).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/metrics"
	"github.com/dossier-ai/dossier/pkg/pipeline"
	"github.com/dossier-ai/dossier/pkg/tenant"
)

// Runner is the slice of the orchestrator the server needs.
type Runner interface {
	Run(ctx context.Context, req *pipeline.Request) <-chan pipeline.Event
}

// Server is the HTTP front end.
type Server struct {
	cfg     *config.Config
	tenants *tenant.Registry
	orch    Runner
	lexical *lexical.Client
	metrics *metrics.Metrics

	router chi.Router
	http   *http.Server
}

// New wires the router. metrics may be nil.
func New(cfg *config.Config, tenants *tenant.Registry, orch Runner, lex *lexical.Client, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		tenants: tenants,
		orch:    orch,
		lexical: lex,
		metrics: m,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/open", s.handleOpen)
	r.Post("/proxy/es", s.handleProxy)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "address", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// observe records request latency per route pattern and status class.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		slog.Debug("Request handled",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", time.Since(start))
		if s.metrics != nil {
			s.metrics.RequestDuration.
				WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).
				Observe(time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"ok":      true,
		"service": "dossier",
		"version": serviceVersion(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"models":  s.ragModels(),
	}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.lexical.Ping(ctx); err != nil {
		resp["ok"] = false
		resp["lexical"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

func serviceVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// ragModels lists the pipeline's bound model names under the rag- prefix,
// deduplicated, answer model first.
func (s *Server) ragModels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range []string{s.cfg.LLM.AnswerModel, s.cfg.LLM.StrategyModel, s.cfg.LLM.AnalysisModel} {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, "rag-"+m)
	}
	return out
}

// handleModels lists the same models the way OpenAI-compatible clients
// discover them.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	list := modelList{Object: "list"}
	for _, id := range s.ragModels() {
		list.Data = append(list.Data, modelInfo{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "dossier",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleOpen serves a document from the tenant's root. The path may be
// absolute (the form file URLs carry) or root-relative; either way it is
// confined to the root, and traversal attempts get a 403.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	tn, err := s.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}

	root := tn.DocumentRoot
	if root == "" {
		root = s.cfg.FileBase
	}
	full, ok := containedPath(root, rel)
	if !ok {
		writeError(w, http.StatusForbidden, "path escapes document root")
		return
	}
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "no such document")
		return
	}
	http.ServeFile(w, r, full)
}

// containedPath resolves p against root (absolute paths stand on their
// own, relative ones are joined) and verifies the result stays inside.
func containedPath(root, p string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	full := filepath.FromSlash(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, full)
	}
	full, err = filepath.Abs(full)
	if err != nil {
		return "", false
	}
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// handleProxy forwards a raw query body to the tenant's search index.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	tn, err := s.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.lexical.Proxy(r.Context(), tn.ESIndex, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeError emits the OpenAI error envelope.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "invalid_request_error",
			"code":    fmt.Sprintf("http_%d", code),
		},
	})
}
