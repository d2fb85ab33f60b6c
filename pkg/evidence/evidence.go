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

// Package evidence turns ranked hits into the citation-numbered context
// block handed to the answer stage.
package evidence

import (
	"fmt"
	"strings"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/retrieve"
)

// Source is one cited document. Number is assigned in first-appearance
// order and referenced as [n] in both the context and the footer.
type Source struct {
	Number  int    `json:"number"`
	Path    string `json:"path"`
	Snippet string `json:"snippet,omitempty"`
}

// Evidence is the assembled context plus its parallel source list.
type Evidence struct {
	Context string
	Sources []Source
}

const maxChunksPerSource = 3

// Assemble walks hits in rank order and builds the context: a document
// enters on first encounter, carries at most three chunks, and is clipped
// to max_chars_per_source. At most max_sources documents are emitted; a
// zero max_sources yields empty evidence.
func Assemble(hits []retrieve.Hit, cfg config.RetrievalConfig) *Evidence {
	if cfg.MaxSources <= 0 || len(hits) == 0 {
		return &Evidence{}
	}

	type doc struct {
		number int
		path   string
		chunks []string
		chars  int
	}

	byPath := make(map[string]*doc)
	var order []*doc

	for _, h := range hits {
		key := h.Path
		if key == "" {
			key = h.ChunkID
		}

		d, ok := byPath[key]
		if !ok {
			if len(order) >= cfg.MaxSources {
				continue
			}
			d = &doc{number: len(order) + 1, path: key}
			byPath[key] = d
			order = append(order, d)
		}
		if len(d.chunks) >= maxChunksPerSource {
			continue
		}

		text := strings.TrimSpace(h.Snippet)
		if text == "" {
			continue
		}
		if remaining := cfg.MaxCharsPerSource - d.chars; remaining > 0 {
			if len([]rune(text)) > remaining {
				text = string([]rune(text)[:remaining])
			}
			d.chunks = append(d.chunks, text)
			d.chars += len([]rune(text))
		}
	}

	var b strings.Builder
	sources := make([]Source, 0, len(order))
	for _, d := range order {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n", d.number, d.path)
		b.WriteString(strings.Join(d.chunks, "\n---\n"))

		snippet := ""
		if len(d.chunks) > 0 {
			snippet = d.chunks[0]
		}
		sources = append(sources, Source{Number: d.number, Path: d.path, Snippet: snippet})
	}

	return &Evidence{Context: b.String(), Sources: sources}
}

// Footer renders the deterministic citation list appended after a
// streamed answer.
func Footer(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nQuellen:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", s.Number, s.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}
