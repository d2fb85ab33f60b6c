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

package indexer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/extract"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/manifest"
	"github.com/dossier-ai/dossier/pkg/tenant"
	"github.com/dossier-ai/dossier/pkg/vector"
)

// esServer answers everything with success and tallies the calls.
type esServer struct {
	mu          sync.Mutex
	bulkDocs    int
	bulkBodies  []string
	deleteCalls int
}

func (s *esServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			var body bytes.Buffer
			_, _ = body.ReadFrom(r.Body)
			s.bulkBodies = append(s.bulkBodies, body.String())
			// Two NDJSON lines per document.
			lines := strings.Count(strings.TrimRight(body.String(), "\n"), "\n") + 1
			s.bulkDocs += lines / 2
			fmt.Fprint(w, `{"errors":false,"items":[]}`)
		case strings.HasSuffix(r.URL.Path, "/_delete_by_query"):
			s.deleteCalls++
			fmt.Fprint(w, `{"deleted":0}`)
		default:
			fmt.Fprint(w, `{"acknowledged":true}`)
		}
	})
}

func (s *esServer) stats() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkDocs, s.deleteCalls
}

func (s *esServer) bulkPayload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.bulkBodies, "")
}

type fakeVectors struct {
	mu      sync.Mutex
	records map[string]vector.Record
	deleted []string
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{records: make(map[string]vector.Record)}
}

func (f *fakeVectors) UpsertBatch(_ context.Context, _ string, records []vector.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}

func (f *fakeVectors) Search(_ context.Context, _ string, _ []float32, _ int) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectors) DeleteByFileHash(_ context.Context, _ string, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, contentHash)
	for id, r := range f.records {
		if r.Metadata[vector.MetaFileHash] == contentHash {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *fakeVectors) Name() string { return "fake" }
func (f *fakeVectors) Close() error { return nil }

func (f *fakeVectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type harness struct {
	ix   *Indexer
	tn   *tenant.Tenant
	es   *esServer
	vecs *fakeVectors
	man  *manifest.Store
	root string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	es := &esServer{}
	srv := httptest.NewServer(es.handler())
	t.Cleanup(srv.Close)

	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { man.Close() })

	root := t.TempDir()
	vecs := newFakeVectors()

	ix := New(
		config.IndexerConfig{Workers: 2, MaxZipDepth: 3},
		config.ChunkingConfig{Size: 1200, Overlap: 180, MinTextChars: 10},
		Deps{
			Extract:  extract.New(3),
			Manifest: man,
			Lexical:  lexical.New(srv.URL),
			Vectors:  vecs,
			Embedder: fakeEmbedder{},
		},
	)

	return &harness{
		ix:   ix,
		tn:   &tenant.Tenant{Name: "acme", DocumentRoot: root, ESIndex: "acme-docs", ChromaPrefix: "acme"},
		es:   es,
		vecs: vecs,
		man:  man,
		root: root,
	}
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunIndexesNewFiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Der Wartungsvertrag regelt die Reaktionszeiten im Detail.")
	h.write(t, "sub/b.md", "# Angebot\n\nDie Preisliste gilt ab Januar.")

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 2, stats.Chunks)
	assert.Zero(t, stats.Failed)

	bulkDocs, _ := h.es.stats()
	assert.Equal(t, 2, bulkDocs)
	assert.Equal(t, 2, h.vecs.count())

	// Manifest rows carry the content hash for later sweeps.
	row, err := h.man.Get("acme", "a.txt")
	require.NoError(t, err)
	assert.Len(t, row.ContentHash, 40)

	for _, r := range h.vecs.records {
		assert.NotEmpty(t, r.Metadata[vector.MetaFileHash])
		assert.NotEmpty(t, r.Metadata["path"])
	}
}

func TestRunKeepsLexicalDocumentWhole(t *testing.T) {
	h := newHarness(t)

	// A phrase near the chunk boundary must stay phrase-searchable, so
	// the lexical document carries the file's full text while only the
	// vector side is chunked.
	filler := strings.Repeat("Absatz ueber Wartung und Betrieb im Rechenzentrum. ", 24)
	phrase := "Die Kuendigungsfrist betraegt drei Monate zum Quartalsende."
	h.write(t, "vertrag.txt", filler+phrase+strings.Repeat(" Weitere Regelungen folgen im Anhang.", 12))

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Indexed)
	assert.Greater(t, stats.Chunks, 1)
	assert.Greater(t, h.vecs.count(), 1)

	bulkDocs, _ := h.es.stats()
	assert.Equal(t, 1, bulkDocs, "one lexical document per file")
	assert.Contains(t, h.es.bulkPayload(), phrase)
}

func TestRunSkipsUnchangedFiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Der Wartungsvertrag regelt die Reaktionszeiten im Detail.")

	_, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)
	before := h.vecs.count()

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Zero(t, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, before, h.vecs.count(), "unchanged file must not be re-embedded")
}

func TestRunReindexesChangedContent(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Der Wartungsvertrag regelt die Reaktionszeiten im Detail.")

	_, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)
	oldRow, err := h.man.Get("acme", "a.txt")
	require.NoError(t, err)

	h.write(t, "a.txt", "Der Vertrag wurde gekuendigt und durch eine neue Fassung ersetzt.")
	// Force a distinct mtime; coarse filesystem clocks would otherwise
	// make the stat comparison flaky.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(h.root, "a.txt"), future, future))

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Indexed)
	assert.Contains(t, h.vecs.deleted, oldRow.ContentHash, "superseded version must be purged")

	newRow, err := h.man.Get("acme", "a.txt")
	require.NoError(t, err)
	assert.NotEqual(t, oldRow.ContentHash, newRow.ContentHash)
}

func TestRunIgnoresUnsupportedAndHidden(t *testing.T) {
	h := newHarness(t)
	h.write(t, "binary.bin", "not indexable")
	h.write(t, ".hidden/secret.txt", "Der Wartungsvertrag regelt die Reaktionszeiten.")
	h.write(t, ".env", "SECRET=1")

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
}

func TestRunSkipsTinyFiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "tiny.txt", "kurz")

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Indexed)

	// The row is still committed so the file is not re-read every run.
	_, err = h.man.Get("acme", "tiny.txt")
	assert.NoError(t, err)
}

func TestRunIndexesZipMembers(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("docs/inner.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("Die Haftungsklausel im Anhang begrenzt die Summe."))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "archiv.zip"), buf.Bytes(), 0o644))

	stats, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Indexed)
	require.Equal(t, 1, h.vecs.count())
	for id, r := range h.vecs.records {
		// Archive member ids are content-hash keyed.
		assert.True(t, strings.Contains(id, ":docs/inner.txt:"), id)
		assert.Equal(t, "archiv.zip/docs/inner.txt", r.Metadata["path"])
		assert.Equal(t, "docs/inner.txt", r.Metadata["inner_path"])
	}

	// The archive itself is one lexical document; member names ride along
	// as attachments.
	bulkDocs, _ := h.es.stats()
	assert.Equal(t, 1, bulkDocs)
	assert.Contains(t, h.es.bulkPayload(), `"attachments":["docs/inner.txt"]`)
}

func TestSweepRemovesVanishedFiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Der Wartungsvertrag regelt die Reaktionszeiten im Detail.")
	h.write(t, "b.txt", "Die Preisliste gilt ab Januar und ersetzt alle Vorversionen.")

	_, err := h.ix.Run(context.Background(), h.tn)
	require.NoError(t, err)
	row, err := h.man.Get("acme", "a.txt")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(h.root, "a.txt")))

	stats, err := h.ix.Sweep(context.Background(), h.tn)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Removed)
	assert.Contains(t, h.vecs.deleted, row.ContentHash)

	_, err = h.man.Get("acme", "a.txt")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
	_, err = h.man.Get("acme", "b.txt")
	assert.NoError(t, err)

	_, deletes := h.es.stats()
	assert.Equal(t, 1, deletes)
}

func TestRunHonorsCancellation(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Der Wartungsvertrag regelt die Reaktionszeiten im Detail.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ix.Run(ctx, h.tn)
	assert.Error(t, err)
}
