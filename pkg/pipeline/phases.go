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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/retrieve"
)

// strategyPhase asks the model for a structured search plan. Any failure
// degrades to a deterministic fallback plan, never to an error.
func (o *Orchestrator) strategyPhase(ctx context.Context, req *Request, st *AgentState) {
	prompt := fmt.Sprintf(
		"Plane eine Dokumentensuche fuer die folgende Frage. Gib Intent (fact_lookup, analysis, comparison, listing), Schluesselwoerter, Synonyme, Filter (z.B. customer) und bis zu zwei erweiterte Suchanfragen an.\n\nFrage: %s",
		st.Query)

	raw, err := o.llm.ChatStructured(ctx, o.models.StrategyModel,
		[]llm.Message{{Role: "user", Content: prompt}}, "search_strategy", &Strategy{})
	if err != nil {
		slog.Warn("Strategy call failed, using fallback plan", "error", err)
		st.Strategy = o.fallbackStrategy(req, st.Query)
		return
	}

	strategy, err := parseStrategy(raw)
	if err != nil {
		slog.Warn("Strategy parse failed, using fallback plan", "error", err)
		st.Strategy = o.fallbackStrategy(req, st.Query)
		return
	}
	st.Strategy = strategy
}

// parseStrategy decodes the model's JSON leniently: whatever fields are
// recognizable are kept, wrong types are coerced.
func parseStrategy(raw string) (*Strategy, error) {
	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &loose); err != nil {
		return nil, fmt.Errorf("strategy is not a JSON object: %w", err)
	}

	strategy := &Strategy{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           strategy,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(loose); err != nil {
		return nil, fmt.Errorf("strategy shape mismatch: %w", err)
	}
	if strategy.Intent == "" && len(strategy.Keywords) == 0 {
		return nil, fmt.Errorf("strategy carries neither intent nor keywords")
	}
	if strategy.Intent == "" {
		strategy.Intent = "fact_lookup"
	}
	return strategy, nil
}

// extractJSON trims markdown fences and leading prose around a JSON body.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "```"); i >= 0 {
		raw = raw[i+3:]
		raw = strings.TrimPrefix(raw, "json")
		if j := strings.Index(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	if i := strings.IndexAny(raw, "{["); i > 0 {
		raw = raw[i:]
	}
	return strings.TrimSpace(raw)
}

// fallbackStrategy is the deterministic plan used when the model cannot
// produce one: the query itself plus glossary expansions.
func (o *Orchestrator) fallbackStrategy(req *Request, query string) *Strategy {
	strategy := &Strategy{
		Intent:   "fact_lookup",
		Keywords: []string{query},
	}
	for acronym, expansion := range req.Tenant.Glossary {
		if containsFold(query, acronym) {
			strategy.Synonyms = append(strategy.Synonyms, expansion)
		}
	}
	return strategy
}

var configFilePattern = regexp.MustCompile(`(?i)(\.(ya?ml|ini|cfg|conf|properties|toml|env)$|docker-compose|Makefile$)`)

var strongEvidenceTerms = []string{
	"vertrag", "klausel", "haftung", "frist", "kuendigung", "preis",
	"zahlung", "leistung", "gewaehrleistung",
	"contract", "clause", "liability", "deadline", "payment", "warranty",
}

// prevalidate filters configuration-file noise out of the hit list and
// decides whether another retrieval round is warranted.
func prevalidate(st *AgentState, hits []retrieve.Hit) []retrieve.Hit {
	filtered := hits[:0:0]
	for _, h := range hits {
		if configFilePattern.MatchString(h.Path) && !containsAnyFold(h.Snippet, strongEvidenceTerms) {
			continue
		}
		filtered = append(filtered, h)
	}

	// Diversity counts distinct directories: ten hits from one folder
	// are weaker evidence than three spread across the corpus.
	dirs := make(map[string]bool)
	for _, h := range filtered {
		dirs[path.Dir(h.Path)] = true
	}
	diversity := 0.0
	if len(filtered) > 0 {
		diversity = float64(len(dirs)) / float64(len(filtered))
	}

	customerMatches := 0
	customer := ""
	if st.Strategy != nil {
		customer = st.Strategy.Filters["customer"]
	}
	if customer != "" {
		for _, h := range filtered {
			if containsFold(h.Path, customer) || containsFold(h.Snippet, customer) {
				customerMatches++
			}
		}
	}

	st.NeedsIteration = true
	switch {
	case len(filtered) < 3:
		st.IterationReason = "too_few_hits_after_filter"
	case diversity < 0.3:
		st.IterationReason = "low_source_diversity"
	case customer != "" && customerMatches < 2:
		st.IterationReason = "customer_filter_unmatched"
	default:
		st.NeedsIteration = false
		st.IterationReason = ""
	}

	return filtered
}

// analysisPhase extracts structured findings per top document. It runs
// only for analysis and comparison intents.
func (o *Orchestrator) analysisPhase(ctx context.Context, em *emitter, st *AgentState) {
	const topDocs = 5

	type docGroup struct {
		path     string
		snippets []string
	}
	var docs []docGroup
	seen := make(map[string]int)
	for _, h := range st.Hits {
		if idx, ok := seen[h.Path]; ok {
			docs[idx].snippets = append(docs[idx].snippets, h.Snippet)
			continue
		}
		if len(docs) >= topDocs {
			continue
		}
		seen[h.Path] = len(docs)
		docs = append(docs, docGroup{path: h.Path, snippets: []string{h.Snippet}})
	}

	for _, d := range docs {
		findings := o.analyzeDocument(ctx, d.path, strings.Join(d.snippets, "\n"))
		st.Findings = append(st.Findings, findings...)
		if !em.progress(PhaseAnalysis, fmt.Sprintf("analysiert: %s (%d Befunde)", d.path, len(findings))) {
			return
		}
	}
}

type findingList struct {
	Findings []Finding `json:"findings" mapstructure:"findings"`
}

func (o *Orchestrator) analyzeDocument(ctx context.Context, path, text string) []Finding {
	prompt := fmt.Sprintf(
		"Extrahiere Befunde aus dem folgenden Dokumentauszug als Liste von {category, severity, description, status}.\n\nDokument: %s\n\n%s",
		path, text)

	raw, err := o.llm.ChatStructured(ctx, o.analysisModel(),
		[]llm.Message{{Role: "user", Content: prompt}}, "findings", &findingList{})
	if err == nil {
		if findings, perr := parseFindings(raw); perr == nil {
			for i := range findings {
				findings[i].Path = path
			}
			return findings
		} else {
			slog.Warn("Finding parse failed, using extractive fallback", "path", path, "error", perr)
		}
	} else {
		slog.Warn("Analysis call failed, using extractive fallback", "path", path, "error", err)
	}

	return extractiveFallback(path, text)
}

func parseFindings(raw string) ([]Finding, error) {
	cleaned := extractJSON(raw)

	// Accept both {"findings": [...]} and a bare array.
	var loose interface{}
	if err := json.Unmarshal([]byte(cleaned), &loose); err != nil {
		return nil, err
	}
	if obj, ok := loose.(map[string]interface{}); ok {
		loose = obj["findings"]
	}

	var findings []Finding
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &findings,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(loose); err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, fmt.Errorf("no findings in response")
	}
	return findings, nil
}

// extractiveFallback summarizes naively: the first five paragraph
// sections become informational findings.
func extractiveFallback(path, text string) []Finding {
	sections := strings.Split(text, "\n\n")
	var findings []Finding
	for _, s := range sections {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if len([]rune(s)) > 300 {
			s = string([]rune(s)[:300])
		}
		findings = append(findings, Finding{
			Category:    "extract",
			Severity:    "info",
			Description: s,
			Path:        path,
		})
		if len(findings) == 5 {
			break
		}
	}
	return findings
}

// validationPhase combines heuristic checks with a model judgment and,
// on a negative verdict, revises the strategy for another round. The
// pre-validation signal survives a positive judgment: thin or one-sided
// evidence warrants a second round even when the hits look plausible.
func (o *Orchestrator) validationPhase(ctx context.Context, st *AgentState) {
	heuristicsOK := o.validateHeuristics(st)

	modelOK := true
	if !heuristicsOK {
		// Only consult the model when the heuristics already doubt the
		// evidence; a positive judgment can save an iteration.
		modelOK = o.validateWithModel(ctx, st)
	}
	valid := heuristicsOK || modelOK

	reason := st.IterationReason
	if !valid && reason == "" {
		reason = "validation_failed"
	}
	needs := !valid || st.NeedsIteration

	st.Verdict = &Verdict{
		Valid:          valid,
		NeedsIteration: needs,
		Reason:         reason,
		Coverage:       keywordCoverage(st),
	}
	st.NeedsIteration = needs
	if needs {
		st.Strategy = reviseStrategy(st)
	}
}

func (o *Orchestrator) validateHeuristics(st *AgentState) bool {
	distinct := make(map[string]bool)
	for _, h := range st.Hits {
		distinct[h.Path] = true
	}
	if len(distinct) < 2 {
		return false
	}

	analytical := st.Strategy != nil && (st.Strategy.Intent == "analysis" || st.Strategy.Intent == "comparison")
	if analytical && len(st.Findings) == 0 {
		return false
	}

	if st.Strategy != nil {
		if customer := st.Strategy.Filters["customer"]; customer != "" {
			found := false
			for _, h := range st.Hits {
				if containsFold(h.Path, customer) || containsFold(h.Snippet, customer) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}

		if coverage := keywordCoverage(st); coverage < 0.4 {
			return false
		}
	}
	return true
}

// keywordCoverage is the fraction of strategy keywords appearing
// somewhere in the retrieved snippets or paths.
func keywordCoverage(st *AgentState) float64 {
	if st.Strategy == nil || len(st.Strategy.Keywords) == 0 {
		return 1
	}

	var corpus strings.Builder
	for _, h := range st.Hits {
		corpus.WriteString(strings.ToLower(h.Path))
		corpus.WriteString(" ")
		corpus.WriteString(strings.ToLower(h.Snippet))
		corpus.WriteString(" ")
	}
	text := corpus.String()

	covered := 0
	for _, kw := range st.Strategy.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			covered++
		}
	}
	return float64(covered) / float64(len(st.Strategy.Keywords))
}

func (o *Orchestrator) validateWithModel(ctx context.Context, st *AgentState) bool {
	var paths []string
	for _, s := range topPaths(st.Hits, 5) {
		paths = append(paths, s)
	}
	prompt := fmt.Sprintf(
		"Frage: %s\nGefundene Dokumente: %s\nReicht diese Treffermenge aus, um die Frage zu beantworten? Antworte nur mit JA oder NEIN.",
		st.Query, strings.Join(paths, ", "))

	verdict, err := o.llm.Chat(ctx, o.models.StrategyModel, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		slog.Debug("Validation judgment unavailable", "error", err)
		return false
	}
	return strings.Contains(strings.ToUpper(verdict), "JA")
}

// reviseStrategy broadens the plan: filters are dropped, synonyms become
// wildcard keywords, and filename tokens from the best hits seed new
// keywords.
func reviseStrategy(st *AgentState) *Strategy {
	base := st.Strategy
	if base == nil {
		base = &Strategy{Intent: "fact_lookup", Keywords: []string{st.Query}}
	}

	revised := &Strategy{
		Intent:   base.Intent,
		Keywords: append([]string(nil), base.Keywords...),
	}
	for _, syn := range base.Synonyms {
		revised.Keywords = append(revised.Keywords, syn+"*")
	}
	for _, p := range topPaths(st.Hits, 3) {
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		for _, token := range strings.FieldsFunc(name, func(r rune) bool {
			return r == '_' || r == '-' || r == ' ' || r == '.'
		}) {
			if len(token) > 4 && !containsAnyFold(strings.Join(revised.Keywords, " "), []string{token}) {
				revised.Keywords = append(revised.Keywords, token)
			}
		}
	}

	revised.ExpandedQueries = []string{strings.Join(dedupeStrings(revised.Keywords), " ")}
	return revised
}

func topPaths(hits []retrieve.Hit, n int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, h := range hits {
		if seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		out = append(out, h.Path)
		if len(out) == n {
			break
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsAnyFold(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
