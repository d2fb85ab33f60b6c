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

// Package retrieve fans a query out to the lexical and vector backends
// and merges the results into one deterministically ranked list.
package retrieve

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/embedder"
	"github.com/dossier-ai/dossier/pkg/gate"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/metrics"
	"github.com/dossier-ai/dossier/pkg/tenant"
	"github.com/dossier-ai/dossier/pkg/vector"
)

// Origin tells which backend produced a hit.
type Origin string

const (
	OriginLexical Origin = "lexical"
	OriginVector  Origin = "vector"
)

// ExactLevel records how an exact-mode hit was found.
type ExactLevel string

const (
	// ExactPhrase means the literal phrase matched with slop 0.
	ExactPhrase ExactLevel = "phrase"
	// ExactANDFallback means only the all-terms fallback matched.
	ExactANDFallback ExactLevel = "and_fallback"
)

// Hit is one merged retrieval record.
type Hit struct {
	Path       string
	Snippet    string
	Extension  string
	Score      float64
	Distance   float32
	Boost      float64
	Origin     Origin
	ChunkID    string
	ExactLevel ExactLevel
}

// Result is the retriever's output for one query.
type Result struct {
	Hits []Hit
	Mode gate.Mode

	// ExactRan and ExactZero together are the only warrant for telling
	// the answer stage a phrase is absent from the corpus.
	ExactRan  bool
	ExactZero bool
}

// Retriever binds the two backends and the embedder.
type Retriever struct {
	lexical *lexical.Client
	vectors vector.Provider
	embed   embedder.Embedder
	metrics *metrics.Metrics
}

// Option configures the retriever.
type Option func(*Retriever)

// WithMetrics records per-backend query latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Retriever) {
		r.metrics = m
	}
}

// New creates a retriever.
func New(lex *lexical.Client, vec vector.Provider, emb embedder.Embedder, opts ...Option) *Retriever {
	r := &Retriever{lexical: lex, vectors: vec, embed: emb}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retriever) observe(backend string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RetrievalDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	}
}

// Retrieve executes the gate's decision for one query against one tenant.
// Backend failures and timeouts degrade to zero hits from that backend;
// the call fails only on programmer error.
func (r *Retriever) Retrieve(ctx context.Context, tn *tenant.Tenant, g gate.Gate, query string, cfg config.RetrievalConfig) (*Result, error) {
	switch g.Mode {
	case gate.ModeExactPhrase:
		return r.exact(ctx, tn, g.Phrase, cfg)
	case gate.ModeHybrid:
		return r.hybrid(ctx, tn, query, cfg)
	default:
		return &Result{Mode: gate.ModeNoRAG}, nil
	}
}

// exact runs the phrase query and falls back to the all-terms query only
// on a validated zero-result.
func (r *Retriever) exact(ctx context.Context, tn *tenant.Tenant, phrase string, cfg config.RetrievalConfig) (*Result, error) {
	res := &Result{Mode: gate.ModeExactPhrase, ExactRan: true}

	hits, err := r.lexical.SearchPhrase(ctx, tn.ESIndex, phrase, cfg.TopK)
	if err != nil {
		slog.Warn("Phrase search failed, treating as zero hits", "error", err)
		hits = nil
	}
	if len(hits) > 0 {
		res.Hits = fromLexical(hits, ExactPhrase)
		return res, nil
	}

	// Zero phrase hits are a finding in their own right.
	res.ExactZero = err == nil

	fallback, err := r.lexical.SearchAND(ctx, tn.ESIndex, phrase, cfg.TopK)
	if err != nil {
		slog.Warn("AND fallback search failed, treating as zero hits", "error", err)
		return res, nil
	}
	res.Hits = fromLexical(fallback, ExactANDFallback)
	return res, nil
}

// hybrid issues both backend queries concurrently and joins.
func (r *Retriever) hybrid(ctx context.Context, tn *tenant.Tenant, query string, cfg config.RetrievalConfig) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return &Result{Mode: gate.ModeNoRAG}, nil
	}

	var (
		lexHits []lexical.Hit
		vecHits []vector.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer r.observe("lexical", time.Now())
		hits, err := r.lexical.SearchBM25(gctx, tn.ESIndex, query, tn.ExtFilter, cfg.TopK)
		if err != nil {
			slog.Warn("Lexical search failed, treating as zero hits", "error", err)
			return nil
		}
		lexHits = hits
		return nil
	})
	g.Go(func() error {
		defer r.observe("vector", time.Now())
		queryVec, err := r.embed.Embed(gctx, query)
		if err != nil {
			slog.Warn("Query embedding failed, skipping vector search", "error", err)
			return nil
		}
		hits, err := r.vectors.Search(gctx, tn.Collection(""), queryVec, cfg.TopK)
		if err != nil {
			slog.Warn("Vector search failed, treating as zero hits", "error", err)
			return nil
		}
		vecHits = hits
		return nil
	})
	// Workers never return errors; Wait only joins.
	_ = g.Wait()

	merged := merge(lexHits, vecHits)
	rerank(merged, cfg)
	if cfg.MaxContextDocs > 0 && len(merged) > cfg.MaxContextDocs {
		merged = merged[:cfg.MaxContextDocs]
	}

	return &Result{Hits: merged, Mode: gate.ModeHybrid}, nil
}

func fromLexical(hits []lexical.Hit, level ExactLevel) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, Hit{
			Path:       h.Path,
			Snippet:    h.Snippet,
			Extension:  h.Extension,
			Score:      h.Score,
			Origin:     OriginLexical,
			ChunkID:    h.ID,
			ExactLevel: level,
		})
	}
	return out
}

// merge joins both hit lists keyed by path (or origin:chunk_id when a
// record carries no path). Within one source a collision keeps the higher
// score; across sources the lexical record wins but inherits the vector
// snippet when its own is empty. Order: lexical hits by score descending,
// then vector hits by ascending distance.
func merge(lexHits []lexical.Hit, vecHits []vector.Result) []Hit {
	seen := make(map[string]int)
	var out []Hit

	keyOf := func(path string, origin Origin, chunkID string) string {
		if path != "" {
			return path
		}
		return string(origin) + ":" + chunkID
	}

	lexSorted := fromLexical(lexHits, "")
	sort.SliceStable(lexSorted, func(i, j int) bool { return lexSorted[i].Score > lexSorted[j].Score })
	for _, h := range lexSorted {
		key := keyOf(h.Path, OriginLexical, h.ChunkID)
		if idx, ok := seen[key]; ok {
			if h.Score > out[idx].Score {
				out[idx] = h
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, h)
	}

	vecSorted := make([]Hit, 0, len(vecHits))
	for _, v := range vecHits {
		vecSorted = append(vecSorted, Hit{
			Path:      v.Metadata["path"],
			Snippet:   v.Text,
			Extension: strings.TrimPrefix(filepath.Ext(v.Metadata["path"]), "."),
			Distance:  v.Distance,
			Origin:    OriginVector,
			ChunkID:   v.ID,
		})
	}
	sort.SliceStable(vecSorted, func(i, j int) bool { return vecSorted[i].Distance < vecSorted[j].Distance })
	for _, h := range vecSorted {
		key := keyOf(h.Path, OriginVector, h.ChunkID)
		if idx, ok := seen[key]; ok {
			// Lexical record wins; fill its snippet from the chunk text
			// when the highlight came back empty.
			if out[idx].Snippet == "" && h.Snippet != "" {
				out[idx].Snippet = h.Snippet
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, h)
	}

	return out
}

// rerank applies the deterministic keyword and extension deltas, then
// stable-sorts by the resulting boost so unboosted hits keep their merge
// order.
func rerank(hits []Hit, cfg config.RetrievalConfig) {
	for i := range hits {
		hits[i].Boost = boostFor(&hits[i], cfg)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Boost > hits[j].Boost })
}

var spreadsheetExts = map[string]bool{"xlsx": true, "xls": true, "csv": true}
var longFormExts = map[string]bool{"pdf": true, "docx": true, "msg": true}

func boostFor(h *Hit, cfg config.RetrievalConfig) float64 {
	pathLower := strings.ToLower(h.Path)
	snippetLower := strings.ToLower(h.Snippet)

	boost := 0.0
	matched := 0
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(kw)
		hit := false
		if strings.Contains(pathLower, kw) {
			boost += cfg.KeywordBoostPath
			hit = true
		}
		if strings.Contains(snippetLower, kw) {
			boost += cfg.KeywordBoostSnippet
			hit = true
		}
		if hit {
			matched++
		}
	}
	if matched >= 2 {
		boost += cfg.CompoundBonus
	}

	ext := strings.ToLower(h.Extension)
	switch {
	case spreadsheetExts[ext]:
		if filenameSuggestsRelevance(pathLower, cfg.ExcelRelevantKeywords) {
			boost += cfg.ExcelPenaltyRelevant
		} else {
			boost += cfg.ExcelPenaltyIrrelevant
		}
	case longFormExts[ext]:
		boost += cfg.PDFMsgBonus
	}

	return boost
}

func filenameSuggestsRelevance(pathLower string, keywords []string) bool {
	base := filepath.Base(pathLower)
	for _, kw := range keywords {
		if strings.Contains(base, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
