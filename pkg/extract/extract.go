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

// Package extract turns heterogeneous document formats into plain text.
//
// All extractors take raw bytes so that archive members and mail
// attachments recurse through the same dispatch table as on-disk files.
// Extraction failures never abort a batch: the registry logs them, counts
// them per extension, and returns an empty string.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Func extracts text from a document's raw bytes. name is the file or
// member name, used only for logging and format hints.
type Func func(ctx context.Context, data []byte, name string) (string, error)

// Registry dispatches on file extension.
type Registry struct {
	extractors map[string]Func
	maxDepth   int

	mu       sync.Mutex
	failures map[string]int
}

// New builds a registry with all built-in handlers. maxZipDepth bounds
// recursive archive descent.
func New(maxZipDepth int) *Registry {
	r := &Registry{
		extractors: make(map[string]Func),
		maxDepth:   maxZipDepth,
		failures:   make(map[string]int),
	}

	text := Text
	for _, ext := range []string{".txt", ".md", ".csv", ".log", ".json", ".yaml", ".yml", ".xml"} {
		r.extractors[ext] = text
	}
	r.extractors[".pdf"] = PDF
	r.extractors[".docx"] = DOCX
	r.extractors[".xlsx"] = XLSX
	r.extractors[".pptx"] = PPTX
	r.extractors[".html"] = HTML
	r.extractors[".htm"] = HTML
	r.extractors[".msg"] = MSG
	r.extractors[".eml"] = r.eml

	return r
}

// Supported reports whether the extension has a handler. Archives are
// handled separately via Archive.
func (r *Registry) Supported(ext string) bool {
	ext = strings.ToLower(ext)
	if ext == ".zip" {
		return true
	}
	_, ok := r.extractors[ext]
	return ok
}

// ExtractFile reads and extracts a file from disk. On any failure it
// returns an empty string.
func (r *Registry) ExtractFile(ctx context.Context, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		r.fail(strings.ToLower(filepath.Ext(path)), path, err)
		return ""
	}
	return r.ExtractBytes(ctx, data, path)
}

// ExtractBytes dispatches on the extension of name. Unknown extensions and
// extraction failures both yield an empty string.
func (r *Registry) ExtractBytes(ctx context.Context, data []byte, name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	fn, ok := r.extractors[ext]
	if !ok {
		return ""
	}

	text, err := fn(ctx, data, name)
	if err != nil {
		r.fail(ext, name, err)
		return ""
	}
	return text
}

func (r *Registry) fail(ext, name string, err error) {
	r.mu.Lock()
	r.failures[ext]++
	r.mu.Unlock()
	slog.Warn("Extraction failed", "file", name, "error", err)
}

// Failures returns the per-extension failure tally accumulated so far.
func (r *Registry) Failures() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// headerBlock renders the normalized mail header block that precedes a
// message body. The same shape is used for MSG and EML so chunks are
// comparable across both.
func headerBlock(subject, from, to, date string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", to)
	fmt.Fprintf(&b, "Date: %s\n", date)
	return b.String()
}
