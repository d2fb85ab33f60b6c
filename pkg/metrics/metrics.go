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

// Package metrics collects Prometheus counters and histograms for the
// indexer and the query path. Every instance carries its own registry,
// so tests never collide on duplicate collector registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	FilesIndexed       *prometheus.CounterVec
	FilesSkipped       *prometheus.CounterVec
	FilesSwept         *prometheus.CounterVec
	ChunksIndexed      *prometheus.CounterVec
	ExtractionFailures *prometheus.CounterVec

	RequestDuration   *prometheus.HistogramVec
	RetrievalDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		FilesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_indexer_files_indexed_total",
			Help: "Files fully indexed, per tenant.",
		}, []string{"tenant"}),
		FilesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_indexer_files_skipped_total",
			Help: "Files skipped as unchanged, per tenant.",
		}, []string{"tenant"}),
		FilesSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_indexer_files_swept_total",
			Help: "Deleted files removed from the indexes, per tenant.",
		}, []string{"tenant"}),
		ChunksIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_indexer_chunks_indexed_total",
			Help: "Chunks written to the lexical and vector indexes, per tenant.",
		}, []string{"tenant"}),
		ExtractionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_indexer_extraction_failures_total",
			Help: "Extraction failures, per file extension.",
		}, []string{"extension"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dossier_http_request_duration_seconds",
			Help:    "HTTP request latency, per route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		RetrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dossier_retrieval_duration_seconds",
			Help:    "Retrieval backend latency, per backend.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.FilesIndexed,
		m.FilesSkipped,
		m.FilesSwept,
		m.ChunksIndexed,
		m.ExtractionFailures,
		m.RequestDuration,
		m.RetrievalDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
