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

// Package glossary rewrites queries with tenant-specific domain
// vocabulary before they reach the gate and the retriever.
package glossary

import (
	"regexp"
	"sort"
	"strings"
)

// Rewriter expands acronyms and fixes frequent mis-transcriptions. It is
// built once per tenant and immutable afterwards.
type Rewriter struct {
	corrections []replacement
	expansions  []expansion
}

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

type expansion struct {
	// pattern matches the term optionally followed by its own expansion,
	// which makes the rewrite idempotent.
	pattern *regexp.Regexp
	suffix  string
}

// New compiles a rewriter from the tenant's correction and glossary
// tables. Keys are matched case-insensitively on word boundaries.
func New(corrections, terms map[string]string) *Rewriter {
	r := &Rewriter{}

	for _, key := range sortedKeys(corrections) {
		r.corrections = append(r.corrections, replacement{
			pattern: wordPattern(key, ""),
			with:    corrections[key],
		})
	}

	for _, key := range sortedKeys(terms) {
		value := terms[key]
		r.expansions = append(r.expansions, expansion{
			pattern: wordPattern(key, value),
			suffix:  " (" + value + ")",
		})
	}

	return r
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func wordPattern(key, value string) *regexp.Regexp {
	expr := `(?i)\b` + regexp.QuoteMeta(key) + `\b`
	if value != "" {
		expr += `(\s*\(` + regexp.QuoteMeta(value) + `\))?`
	}
	return regexp.MustCompile(expr)
}

// Rewrite expands the query. Text inside double quotes is never touched:
// a quoted phrase is an exact-search contract with the caller. The
// rewrite is idempotent.
func (r *Rewriter) Rewrite(query string) string {
	if query == "" {
		return query
	}

	// Even segments are outside quotes, odd segments inside.
	segments := strings.Split(query, `"`)
	for i := 0; i < len(segments); i += 2 {
		segments[i] = r.rewriteSegment(segments[i])
	}
	return strings.Join(segments, `"`)
}

func (r *Rewriter) rewriteSegment(s string) string {
	for _, c := range r.corrections {
		s = c.pattern.ReplaceAllString(s, c.with)
	}
	for _, e := range r.expansions {
		suffix := e.suffix
		s = e.pattern.ReplaceAllStringFunc(s, func(m string) string {
			if strings.Contains(m, "(") {
				return m // already expanded
			}
			return m + suffix
		})
	}
	return s
}
