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

// Package gate decides whether and how a query hits the document corpus.
// It is a pure function over the (already glossary-rewritten) user text;
// the orchestrator consults it before any retrieval work starts.
package gate

import (
	"log/slog"
	"regexp"
	"strings"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeExactPhrase runs the literal phrase query first.
	ModeExactPhrase Mode = "exact_phrase"
	// ModeHybrid runs lexical and vector retrieval in parallel.
	ModeHybrid Mode = "hybrid"
	// ModeNoRAG skips retrieval entirely.
	ModeNoRAG Mode = "no_rag"
)

// Gate is the retrieval decision for one query.
type Gate struct {
	RequireRAG bool
	Mode       Mode
	// Phrase is the literal string to search in exact mode: the quoted
	// substring when present, else the full user text.
	Phrase string
	Reason string
}

// Trigger word lists. German first: the corpora this serves are mostly
// German project documentation.
var (
	exactTriggers = []string{
		"exakt", "exakte", "exakten", "exakter",
		"wortlaut", "woertlich", "wörtlich", "wortwörtlich", "wortwoertlich",
		"exact", "exactly", "literal", "literally", "verbatim",
		"zitat", "zitiere",
	}
	searchTriggers = []string{
		"suche", "suchen", "finde", "findest", "durchsuche",
		"wo steht", "wo finde",
		"search", "find", "lookup", "locate",
	}
	internalTriggers = []string{
		"index", "indiziert", "elasticsearch", "vektor", "vector",
		"embedding", "chunk", "dokumentenbestand", "korpus", "corpus",
		"datenbank", "database",
	}
)

var quoted = regexp.MustCompile(`"([^"]+)"`)

// Evaluate classifies the query. Rules apply in order: exact triggers
// (including a quoted phrase), search triggers, internal/technical
// triggers, else no retrieval.
func Evaluate(text string) Gate {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return logged(Gate{Mode: ModeNoRAG, Reason: "empty query"})
	}
	lower := strings.ToLower(trimmed)

	if m := quoted.FindStringSubmatch(trimmed); m != nil {
		return logged(Gate{
			RequireRAG: true,
			Mode:       ModeExactPhrase,
			Phrase:     m[1],
			Reason:     "quoted phrase",
		})
	}
	if word := containsAny(lower, exactTriggers); word != "" {
		return logged(Gate{
			RequireRAG: true,
			Mode:       ModeExactPhrase,
			Phrase:     trimmed,
			Reason:     "exact trigger: " + word,
		})
	}
	if word := containsAny(lower, searchTriggers); word != "" {
		return logged(Gate{RequireRAG: true, Mode: ModeHybrid, Reason: "search trigger: " + word})
	}
	if word := containsAny(lower, internalTriggers); word != "" {
		return logged(Gate{RequireRAG: true, Mode: ModeHybrid, Reason: "internal trigger: " + word})
	}

	return logged(Gate{Mode: ModeNoRAG, Reason: "no trigger matched"})
}

// containsAny reports the first trigger present in text. Multi-word
// triggers match as substrings, single words on word boundaries.
func containsAny(text string, triggers []string) string {
	for _, trigger := range triggers {
		if strings.Contains(trigger, " ") {
			if strings.Contains(text, trigger) {
				return trigger
			}
			continue
		}
		if containsWord(text, trigger) {
			return trigger
		}
	}
	return ""
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') || b >= 0x80
}

func logged(g Gate) Gate {
	slog.Debug("Query gate decision", "mode", g.Mode, "reason", g.Reason)
	return g
}
