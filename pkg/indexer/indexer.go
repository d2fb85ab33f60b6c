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

// Package indexer walks a tenant's document root and keeps the lexical
// and vector indexes in sync with the files on disk. Files are content
// addressed: an unchanged file is never re-extracted, and the manifest
// row is committed only after both backends acknowledged the chunks.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dossier-ai/dossier/pkg/chunk"
	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/embedder"
	"github.com/dossier-ai/dossier/pkg/extract"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/manifest"
	"github.com/dossier-ai/dossier/pkg/metrics"
	"github.com/dossier-ai/dossier/pkg/tenant"
	"github.com/dossier-ai/dossier/pkg/vector"
)

const (
	defaultWorkers    = 6
	defaultBulkChunks = 256
	defaultBulkFiles  = 100
)

// Deps are the backends an indexer writes to. Metrics may be nil.
type Deps struct {
	Extract  *extract.Registry
	Manifest *manifest.Store
	Lexical  *lexical.Client
	Vectors  vector.Provider
	Embedder embedder.Embedder
	Metrics  *metrics.Metrics
}

// Indexer drives one tenant's ingest.
type Indexer struct {
	cfg      config.IndexerConfig
	chunking config.ChunkingConfig
	deps     Deps
}

// Stats summarizes one run.
type Stats struct {
	Scanned int
	Indexed int
	Skipped int
	Failed  int
	Removed int
	Chunks  int
}

// New creates an indexer. Zero-valued limits fall back to defaults.
func New(cfg config.IndexerConfig, chunking config.ChunkingConfig, deps Deps) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BulkChunks <= 0 {
		cfg.BulkChunks = defaultBulkChunks
	}
	if cfg.BulkFiles <= 0 {
		cfg.BulkFiles = defaultBulkFiles
	}
	return &Indexer{cfg: cfg, chunking: chunking, deps: deps}
}

type fileJob struct {
	absPath string
	relPath string
	info    fs.FileInfo
}

type fileOutput struct {
	row    *manifest.Row
	doc    *lexical.BulkDoc
	chunks []chunk.Chunk

	// oldHash, when set, is a superseded content version to purge from
	// both backends before the new chunks land.
	oldHash string

	skipped bool
	failed  bool
}

// Run indexes every changed file under the tenant's document root.
// Cancellation is honored at file boundaries; files already flushed stay
// committed.
func (ix *Indexer) Run(ctx context.Context, tn *tenant.Tenant) (*Stats, error) {
	if err := ix.deps.Lexical.EnsureIndex(ctx, tn.ESIndex, tn.Glossary); err != nil {
		return nil, fmt.Errorf("failed to prepare lexical index: %w", err)
	}

	jobs := make(chan fileJob)
	outputs := make(chan fileOutput, ix.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return ix.walk(gctx, tn, jobs)
	})

	var workers errgroup.Group
	for i := 0; i < ix.cfg.Workers; i++ {
		workers.Go(func() error {
			for job := range jobs {
				select {
				case outputs <- ix.processFile(gctx, tn, job):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		// Walker errors surface through g; workers drain regardless.
		_ = workers.Wait()
		close(outputs)
	}()

	stats := &Stats{}
	sinkErr := ix.sink(ctx, tn, outputs, stats)

	if err := g.Wait(); err != nil && sinkErr == nil {
		sinkErr = err
	}
	slog.Info("Index run finished",
		"tenant", tn.Name,
		"scanned", stats.Scanned,
		"indexed", stats.Indexed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"chunks", stats.Chunks)
	return stats, sinkErr
}

// walk feeds every candidate file to the workers. Hidden entries and
// unsupported extensions are skipped without a stat of their content.
func (ix *Indexer) walk(ctx context.Context, tn *tenant.Tenant, jobs chan<- fileJob) error {
	root := tn.DocumentRoot
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Walk error", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".zip" && !ix.deps.Extract.Supported(ext) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("Stat failed", "path", path, "error", err)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		select {
		case jobs <- fileJob{absPath: path, relPath: filepath.ToSlash(rel), info: info}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// processFile extracts and chunks one file. It never writes to any
// backend; the sink owns all writes so ordering guarantees hold.
func (ix *Indexer) processFile(ctx context.Context, tn *tenant.Tenant, job fileJob) fileOutput {
	prior, err := ix.deps.Manifest.Get(tn.Name, job.relPath)
	if err != nil && err != manifest.ErrNotFound {
		slog.Warn("Manifest lookup failed", "path", job.relPath, "error", err)
	}
	if prior != nil && prior.Current(job.info) {
		return fileOutput{skipped: true}
	}

	data, err := os.ReadFile(job.absPath)
	if err != nil {
		slog.Warn("Read failed", "path", job.absPath, "error", err)
		return fileOutput{failed: true}
	}

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])
	row := &manifest.Row{
		Path:        job.relPath,
		Tenant:      tn.Name,
		ContentHash: hash,
		Mtime:       job.info.ModTime().UnixNano(),
		Size:        job.info.Size(),
	}

	// Touched but identical content: refresh the manifest row only.
	if prior != nil && prior.ContentHash == hash {
		return fileOutput{row: row, skipped: true}
	}

	ex := ix.extractFile(ctx, job, hash, data)
	if ex.text == "" {
		// Nothing extractable. The row is still committed so the file is
		// not re-read on every run.
		return fileOutput{row: row, skipped: true}
	}

	out := fileOutput{row: row, chunks: ex.chunks}
	if prior != nil {
		out.oldHash = prior.ContentHash
	}

	// One lexical document per file with the full text; the phrase query
	// must be able to match across chunk boundaries.
	out.doc = &lexical.BulkDoc{
		ID: chunk.DocID(job.relPath),
		Doc: lexical.Document{
			Content: ex.text,
			File: lexical.FileMeta{
				Filename:  filepath.Base(job.relPath),
				Extension: strings.TrimPrefix(strings.ToLower(filepath.Ext(job.relPath)), "."),
				Size:      job.info.Size(),
			},
			Path:        lexical.PathMeta{Real: job.absPath, Virtual: job.relPath},
			Meta:        lexical.HashMeta{SHA256: hash, Mtime: job.info.ModTime().Unix()},
			Attachments: ex.attachments,
		},
	}
	return out
}

// extracted is one file's full normalized text plus its vector chunks.
// For archives the text spans every member and attachments lists the
// member paths.
type extracted struct {
	text        string
	attachments []string
	chunks      []chunk.Chunk
}

func (ix *Indexer) extractFile(ctx context.Context, job fileJob, hash string, data []byte) extracted {
	size, overlap := ix.chunking.Size, ix.chunking.Overlap

	if strings.EqualFold(filepath.Ext(job.absPath), ".zip") {
		members, err := ix.deps.Extract.Archive(ctx, data, job.absPath)
		if err != nil {
			slog.Warn("Archive extraction failed", "path", job.absPath, "error", err)
			ix.countExtractionFailure("zip")
			return extracted{}
		}
		var ex extracted
		var parts []string
		for _, m := range members {
			ex.attachments = append(ex.attachments, m.InnerPath)
			if norm := chunk.Normalize(m.Text); norm != "" {
				parts = append(parts, norm)
			}
			if ix.tooShort(m.Text) {
				continue
			}
			virtual := job.relPath + "/" + m.InnerPath
			ex.chunks = append(ex.chunks, chunk.Archive(hash, m.InnerPath, virtual, m.Text, size, overlap)...)
		}
		ex.text = strings.Join(parts, "\n\n")
		return ex
	}

	text := ix.deps.Extract.ExtractBytes(ctx, data, job.absPath)
	if text == "" && len(data) > 0 {
		ix.countExtractionFailure(strings.TrimPrefix(strings.ToLower(filepath.Ext(job.absPath)), "."))
	}
	if ix.tooShort(text) {
		return extracted{}
	}
	return extracted{
		text:   chunk.Normalize(text),
		chunks: chunk.File(job.relPath, hash, text, size, overlap),
	}
}

func (ix *Indexer) tooShort(text string) bool {
	min := ix.chunking.MinTextChars
	return min > 0 && len([]rune(strings.TrimSpace(text))) < min
}

// sink serializes all backend writes. A flush error aborts the run: the
// files in the failed batch keep their old manifest rows and are retried
// on the next run.
func (ix *Indexer) sink(ctx context.Context, tn *tenant.Tenant, outputs <-chan fileOutput, stats *Stats) error {
	var batch []fileOutput
	var pendingChunks int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.flush(ctx, tn, batch); err != nil {
			return err
		}
		for _, out := range batch {
			if len(out.chunks) > 0 {
				stats.Indexed++
				stats.Chunks += len(out.chunks)
			}
		}
		if ix.deps.Metrics != nil {
			indexed := 0
			chunks := 0
			for _, out := range batch {
				if len(out.chunks) > 0 {
					indexed++
					chunks += len(out.chunks)
				}
			}
			ix.deps.Metrics.FilesIndexed.WithLabelValues(tn.Name).Add(float64(indexed))
			ix.deps.Metrics.ChunksIndexed.WithLabelValues(tn.Name).Add(float64(chunks))
		}
		batch = batch[:0]
		pendingChunks = 0
		return nil
	}

	for out := range outputs {
		stats.Scanned++
		switch {
		case out.failed:
			stats.Failed++
			continue
		case out.skipped && out.row == nil:
			stats.Skipped++
			if ix.deps.Metrics != nil {
				ix.deps.Metrics.FilesSkipped.WithLabelValues(tn.Name).Inc()
			}
			continue
		case out.skipped:
			stats.Skipped++
		}

		batch = append(batch, out)
		pendingChunks += len(out.chunks)
		if pendingChunks >= ix.cfg.BulkChunks || len(batch) >= ix.cfg.BulkFiles {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// flush writes one batch: purge superseded versions, bulk the lexical
// docs, embed and upsert the vectors, then commit the manifest rows.
func (ix *Indexer) flush(ctx context.Context, tn *tenant.Tenant, batch []fileOutput) error {
	for _, out := range batch {
		if out.oldHash == "" {
			continue
		}
		if err := ix.deps.Lexical.DeleteByHash(ctx, tn.ESIndex, out.oldHash); err != nil {
			return fmt.Errorf("failed to purge superseded lexical docs: %w", err)
		}
		if err := ix.deps.Vectors.DeleteByFileHash(ctx, tn.Collection(""), out.oldHash); err != nil {
			return fmt.Errorf("failed to purge superseded vectors: %w", err)
		}
	}

	var docs []lexical.BulkDoc
	var chunks []chunk.Chunk
	for _, out := range batch {
		if out.doc != nil {
			docs = append(docs, *out.doc)
		}
		chunks = append(chunks, out.chunks...)
	}

	if len(docs) > 0 {
		if err := ix.deps.Lexical.BulkUpsert(ctx, tn.ESIndex, docs); err != nil {
			return fmt.Errorf("lexical bulk failed: %w", err)
		}
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := ix.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}

		records := make([]vector.Record, len(chunks))
		for i, c := range chunks {
			meta := make(map[string]string, len(c.Metadata)+1)
			for k, v := range c.Metadata {
				meta[k] = v
			}
			meta[vector.MetaFileHash] = c.FileHash
			records[i] = vector.Record{ID: c.ID, Vector: vectors[i], Text: c.Text, Metadata: meta}
		}
		if err := ix.deps.Vectors.UpsertBatch(ctx, tn.Collection(""), records); err != nil {
			return fmt.Errorf("vector upsert failed: %w", err)
		}
	}

	// Both backends acknowledged; only now do the rows become current.
	for _, out := range batch {
		if out.row == nil {
			continue
		}
		if err := ix.deps.Manifest.Upsert(out.row); err != nil {
			return fmt.Errorf("manifest commit failed: %w", err)
		}
	}
	return nil
}

// Sweep removes index entries whose files vanished from disk. Backend
// delete failures leave the manifest row in place, so the entry is
// retried on the next sweep.
func (ix *Indexer) Sweep(ctx context.Context, tn *tenant.Tenant) (*Stats, error) {
	rows, err := ix.deps.Manifest.All(tn.Name)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Scanned: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, err := os.Stat(filepath.Join(tn.DocumentRoot, filepath.FromSlash(row.Path))); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			slog.Warn("Sweep stat failed", "path", row.Path, "error", err)
			continue
		}

		if err := ix.deps.Lexical.DeleteByHash(ctx, tn.ESIndex, row.ContentHash); err != nil {
			slog.Warn("Sweep lexical delete failed", "path", row.Path, "error", err)
			continue
		}
		if err := ix.deps.Vectors.DeleteByFileHash(ctx, tn.Collection(""), row.ContentHash); err != nil {
			slog.Warn("Sweep vector delete failed", "path", row.Path, "error", err)
			continue
		}
		if err := ix.deps.Manifest.Delete(tn.Name, row.Path); err != nil {
			slog.Warn("Sweep manifest delete failed", "path", row.Path, "error", err)
			continue
		}
		stats.Removed++
		if ix.deps.Metrics != nil {
			ix.deps.Metrics.FilesSwept.WithLabelValues(tn.Name).Inc()
		}
	}

	slog.Info("Sweep finished", "tenant", tn.Name, "checked", stats.Scanned, "removed", stats.Removed)
	return stats, nil
}

func (ix *Indexer) countExtractionFailure(ext string) {
	if ix.deps.Metrics != nil {
		ix.deps.Metrics.ExtractionFailures.WithLabelValues(ext).Inc()
	}
}
