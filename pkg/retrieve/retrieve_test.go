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

package retrieve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/gate"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/tenant"
	"github.com/dossier-ai/dossier/pkg/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeVectors struct {
	results []vector.Result
	err     error
}

func (f *fakeVectors) UpsertBatch(context.Context, string, []vector.Record) error { return nil }
func (f *fakeVectors) Search(context.Context, string, []float32, int) ([]vector.Result, error) {
	return f.results, f.err
}
func (f *fakeVectors) DeleteByFileHash(context.Context, string, string) error { return nil }
func (f *fakeVectors) Name() string                                           { return "fake" }
func (f *fakeVectors) Close() error                                           { return nil }

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ShortName:    "acme",
		DocumentRoot: "/srv/docs/acme",
		ESIndex:      "acme-docs",
		ChromaPrefix: "acme",
	}
}

func baseCfg() config.RetrievalConfig {
	cfg := config.RetrievalConfig{}
	cfg.SetDefaults()
	return cfg
}

// lexicalServer serves canned responses per query type, keyed by a marker
// in the request body.
func lexicalServer(t *testing.T, phraseHits, andHits, bm25Hits string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(r)
		switch {
		case strings.Contains(body, "match_phrase"):
			fmt.Fprint(w, phraseHits)
		case strings.Contains(body, `"bool"`):
			fmt.Fprint(w, bm25Hits)
		default:
			fmt.Fprint(w, andHits)
		}
	}))
}

func readBody(r *http.Request) string {
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return b.String()
}

func esHits(hits ...string) string {
	return fmt.Sprintf(`{"hits":{"hits":[%s]}}`, strings.Join(hits, ","))
}

func esHit(id string, score float64, virtual, ext, snippet string) string {
	return fmt.Sprintf(`{"_id":%q,"_score":%f,
		"_source":{"content":"","file":{"filename":%q,"extension":%q},"path":{"virtual":%q}},
		"highlight":{"content":[%q]}}`, id, score, virtual, ext, virtual, snippet)
}

func TestExactPhraseStopsOnHits(t *testing.T) {
	srv := lexicalServer(t,
		esHits(esHit("h1", 5.0, "contracts/nda.pdf", "pdf", "the exact phrase")),
		esHits(esHit("h2", 1.0, "other.txt", "txt", "fallback")),
		esHits())
	defer srv.Close()

	r := New(lexical.New(srv.URL), &fakeVectors{}, fakeEmbedder{})
	g := gate.Gate{RequireRAG: true, Mode: gate.ModeExactPhrase, Phrase: "the exact phrase"}

	res, err := r.Retrieve(context.Background(), testTenant(), g, "q", baseCfg())
	require.NoError(t, err)

	assert.True(t, res.ExactRan)
	assert.False(t, res.ExactZero)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, ExactPhrase, res.Hits[0].ExactLevel)
	assert.Equal(t, "contracts/nda.pdf", res.Hits[0].Path)
}

func TestExactPhraseFallsBackToAND(t *testing.T) {
	srv := lexicalServer(t,
		esHits(), // phrase: zero hits
		esHits(esHit("h2", 1.0, "other.txt", "txt", "all terms present")),
		esHits())
	defer srv.Close()

	r := New(lexical.New(srv.URL), &fakeVectors{}, fakeEmbedder{})
	g := gate.Gate{RequireRAG: true, Mode: gate.ModeExactPhrase, Phrase: "missing phrase"}

	res, err := r.Retrieve(context.Background(), testTenant(), g, "q", baseCfg())
	require.NoError(t, err)

	// A clean zero from the phrase round is the warrant for "not in the
	// corpus"; the fallback hits are still usable context.
	assert.True(t, res.ExactRan)
	assert.True(t, res.ExactZero)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, ExactANDFallback, res.Hits[0].ExactLevel)
}

func TestHybridMergesBothBackends(t *testing.T) {
	srv := lexicalServer(t, esHits(), esHits(),
		esHits(
			esHit("l1", 3.0, "reports/audit.pdf", "pdf", "lexical snippet"),
			esHit("l2", 2.0, "shared/overlap.docx", "docx", ""),
		))
	defer srv.Close()

	vecs := &fakeVectors{results: []vector.Result{
		{ID: "v1", Text: "vector only chunk", Metadata: map[string]string{"path": "notes/design.md"}, Distance: 0.2},
		{ID: "v2", Text: "vector snippet for overlap", Metadata: map[string]string{"path": "shared/overlap.docx"}, Distance: 0.1},
	}}

	r := New(lexical.New(srv.URL), vecs, fakeEmbedder{})
	g := gate.Gate{RequireRAG: true, Mode: gate.ModeHybrid}

	cfg := baseCfg()
	cfg.Keywords = nil // isolate merge ordering from keyword boosts
	cfg.PDFMsgBonus = 0
	res, err := r.Retrieve(context.Background(), testTenant(), g, "audit findings", cfg)
	require.NoError(t, err)

	require.Len(t, res.Hits, 3)
	// Lexical first by score, then vector by distance; the overlapping
	// path is deduplicated and keeps the lexical record but inherits the
	// vector snippet.
	assert.Equal(t, "reports/audit.pdf", res.Hits[0].Path)
	assert.Equal(t, "shared/overlap.docx", res.Hits[1].Path)
	assert.Equal(t, OriginLexical, res.Hits[1].Origin)
	assert.Equal(t, "vector snippet for overlap", res.Hits[1].Snippet)
	assert.Equal(t, "notes/design.md", res.Hits[2].Path)
}

func TestHybridSurvivesBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	vecs := &fakeVectors{results: []vector.Result{
		{ID: "v1", Text: "still here", Metadata: map[string]string{"path": "a.txt"}, Distance: 0.3},
	}}

	r := New(lexical.New(srv.URL), vecs, fakeEmbedder{})
	res, err := r.Retrieve(context.Background(), testTenant(),
		gate.Gate{Mode: gate.ModeHybrid, RequireRAG: true}, "anything", baseCfg())
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "a.txt", res.Hits[0].Path)
}

func TestNoRAGMode(t *testing.T) {
	r := New(lexical.New("http://unused"), &fakeVectors{}, fakeEmbedder{})
	res, err := r.Retrieve(context.Background(), testTenant(), gate.Gate{Mode: gate.ModeNoRAG}, "hi", baseCfg())
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Equal(t, gate.ModeNoRAG, res.Mode)
}

func TestRerankKeywordBoosts(t *testing.T) {
	hits := []Hit{
		{Path: "misc/random.txt", Snippet: "nothing relevant", Score: 5, Origin: OriginLexical},
		{Path: "vertrag/wartung.pdf", Snippet: "der wartungsvertrag regelt", Score: 1, Origin: OriginLexical, Extension: "pdf"},
	}

	cfg := baseCfg()
	cfg.Keywords = []string{"vertrag", "wartung"}

	rerank(hits, cfg)

	// Two distinct keywords in path and snippet plus the long-form bonus
	// move the contract above the higher-scored noise hit.
	assert.Equal(t, "vertrag/wartung.pdf", hits[0].Path)
	assert.Greater(t, hits[0].Boost, hits[1].Boost)
}

func TestRerankSpreadsheetPenalty(t *testing.T) {
	hits := []Hit{
		{Path: "data/export.xlsx", Extension: "xlsx"},
		{Path: "data/preisliste.xlsx", Extension: "xlsx"},
		{Path: "doc/readme.txt", Extension: "txt"},
	}

	cfg := baseCfg()
	cfg.Keywords = nil
	cfg.ExcelRelevantKeywords = []string{"preis"}

	rerank(hits, cfg)

	// Neutral text first, then the relevant spreadsheet (mild penalty),
	// then the irrelevant one (strong penalty).
	assert.Equal(t, "doc/readme.txt", hits[0].Path)
	assert.Equal(t, "data/preisliste.xlsx", hits[1].Path)
	assert.Equal(t, "data/export.xlsx", hits[2].Path)
}
