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

// Package pipeline runs a question through gating, retrieval and answer
// generation and streams ordered events while doing so. The advanced
// path adds strategy planning, per-document analysis and a bounded
// validation loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/evidence"
	"github.com/dossier-ai/dossier/pkg/gate"
	"github.com/dossier-ai/dossier/pkg/glossary"
	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/retrieve"
	"github.com/dossier-ai/dossier/pkg/state"
)

const defaultMaxIterations = 2

// Orchestrator wires the model client, the retriever and the state store.
type Orchestrator struct {
	llm      LanguageModel
	search   Searcher
	states   *state.Store
	models   config.LLMConfig
	notFound string
}

// New creates an orchestrator. states may be nil; conversation memory is
// then disabled.
func New(lm LanguageModel, search Searcher, states *state.Store, models config.LLMConfig, notFound string) *Orchestrator {
	return &Orchestrator{
		llm:      lm,
		search:   search,
		states:   states,
		models:   models,
		notFound: notFound,
	}
}

func (o *Orchestrator) analysisModel() string {
	if o.models.AnalysisModel != "" {
		return o.models.AnalysisModel
	}
	return o.models.StrategyModel
}

// Run executes the pipeline for one request. The returned channel closes
// after the final event (or after an error event); cancelling the
// context stops the run between events.
func (o *Orchestrator) Run(ctx context.Context, req *Request) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		o.run(ctx, &emitter{ch: ch, ctx: ctx}, req)
	}()
	return ch
}

func (o *Orchestrator) run(ctx context.Context, em *emitter, req *Request) {
	st := &AgentState{
		Query: glossary.New(req.Tenant.TranscriptCorrections, req.Tenant.Glossary).Rewrite(req.Query),
	}
	st.Gate = gate.Evaluate(st.Query)

	slog.Info("Pipeline run",
		"tenant", req.Tenant.Name,
		"mode", st.Gate.Mode,
		"advanced", req.Advanced)

	if st.Gate.Mode == gate.ModeNoRAG {
		st.Evidence = &evidence.Evidence{}
		o.answerPhase(ctx, em, req, st)
		return
	}

	if req.Advanced {
		o.runAdvanced(ctx, em, req, st)
		return
	}

	if !em.phaseStart(PhaseRetrieval) {
		return
	}
	o.retrievalPhase(ctx, em, req, st)
	if !em.phaseComplete(PhaseRetrieval) {
		return
	}

	st.Evidence = evidence.Assemble(st.Hits, req.Retrieval)
	o.answerPhase(ctx, em, req, st)
}

func (o *Orchestrator) runAdvanced(ctx context.Context, em *emitter, req *Request, st *AgentState) {
	if !em.phaseStart(PhaseStrategy) {
		return
	}
	o.strategyPhase(ctx, req, st)
	if !em.progress(PhaseStrategy, describeStrategy(st.Strategy)) {
		return
	}
	if !em.phaseComplete(PhaseStrategy) {
		return
	}

	maxIterations := req.Retrieval.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	for st.Iteration = 1; st.Iteration <= maxIterations; st.Iteration++ {
		if !em.phaseStart(PhaseRetrieval) {
			return
		}
		o.retrievalPhase(ctx, em, req, st)
		st.Hits = prevalidate(st, st.Hits)
		if !em.progress(PhaseRetrieval, fmt.Sprintf("%d Treffer nach Filterung", len(st.Hits))) {
			return
		}
		if !em.phaseComplete(PhaseRetrieval) {
			return
		}

		if analytical(st.Strategy) {
			if !em.phaseStart(PhaseAnalysis) {
				return
			}
			o.analysisPhase(ctx, em, st)
			if !em.phaseComplete(PhaseAnalysis) {
				return
			}
		}

		if !em.phaseStart(PhaseValidation) {
			return
		}
		o.validationPhase(ctx, st)
		if !em.phaseComplete(PhaseValidation) {
			return
		}

		if !st.NeedsIteration {
			break
		}
		if st.Iteration < maxIterations {
			slog.Info("Validation requested another retrieval round", "iteration", st.Iteration)
		}
	}

	st.Evidence = evidence.Assemble(st.Hits, req.Retrieval)
	o.answerPhase(ctx, em, req, st)
}

func analytical(s *Strategy) bool {
	return s != nil && (s.Intent == "analysis" || s.Intent == "comparison")
}

func describeStrategy(s *Strategy) string {
	if s == nil {
		return "kein Plan"
	}
	return fmt.Sprintf("Intent %s, %d Schluesselwoerter", s.Intent, len(s.Keywords))
}

// retrievalPhase runs the gated query plus up to two strategy expansions
// and merges everything into one deduplicated hit list.
func (o *Orchestrator) retrievalPhase(ctx context.Context, em *emitter, req *Request, st *AgentState) {
	queries := []string{st.Query}
	if st.Strategy != nil {
		expansions := st.Strategy.ExpandedQueries
		if len(expansions) > 2 {
			expansions = expansions[:2]
		}
		queries = append(queries, expansions...)
	}

	var merged []retrieve.Hit
	seen := make(map[string]bool)

	for i, q := range queries {
		g := st.Gate
		if i > 0 {
			// Expansions always go hybrid; the gate decision binds only
			// the user's own phrasing.
			g = gate.Gate{RequireRAG: true, Mode: gate.ModeHybrid}
		}

		res, err := o.search.Retrieve(ctx, req.Tenant, g, q, req.Retrieval)
		if err != nil {
			slog.Warn("Retrieval failed for query", "query", q, "error", err)
			continue
		}
		if i == 0 {
			st.ExactRan = res.ExactRan
			st.ExactZero = res.ExactZero
		}

		for _, h := range res.Hits {
			key := h.Path + "\x00" + clip(h.Snippet, 80)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, h)
		}

		if !em.progress(PhaseRetrieval, fmt.Sprintf("Suche %d/%d: %d Treffer", i+1, len(queries), len(res.Hits))) {
			return
		}
	}

	limit := req.Retrieval.MaxContextDocs
	if limit <= 0 {
		limit = 20
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	st.Hits = merged
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// answerPhase streams the grounded answer. Without evidence there is
// nothing to ground on: a no-RAG gate and an empty hit list both end in
// the fixed refusal, and the model is never consulted.
func (o *Orchestrator) answerPhase(ctx context.Context, em *emitter, req *Request, st *AgentState) {
	if !em.phaseStart(PhaseAnswer) {
		return
	}

	if st.Gate.Mode == gate.ModeNoRAG || len(st.Hits) == 0 {
		slog.Info("Answering with the fixed refusal",
			"mode", st.Gate.Mode,
			"exact_ran", st.ExactRan,
			"exact_zero", st.ExactZero)
		if !em.token(o.notFound) {
			return
		}
		o.finish(em, req, st, o.notFound)
		return
	}

	messages := o.answerMessages(req, st)

	stream, err := o.llm.ChatStream(ctx, req.AnswerModel, messages)
	if err != nil {
		em.send(Event{Type: EventError, Phase: PhaseAnswer, Message: err.Error()})
		return
	}

	var answer strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			em.send(Event{Type: EventError, Phase: PhaseAnswer, Message: chunk.Err.Error()})
			return
		}
		if chunk.Text == "" {
			continue
		}
		answer.WriteString(chunk.Text)
		if !em.token(chunk.Text) {
			return
		}
	}

	if st.Evidence != nil && len(st.Evidence.Sources) > 0 {
		footer := evidence.Footer(st.Evidence.Sources)
		answer.WriteString(footer)
		if !em.token(footer) {
			return
		}
	}

	o.finish(em, req, st, answer.String())
}

func (o *Orchestrator) finish(em *emitter, req *Request, st *AgentState, answer string) {
	var sources []evidence.Source
	if st.Evidence != nil {
		sources = st.Evidence.Sources
	}
	if len(sources) > 0 {
		if !em.send(Event{Type: EventSources, Sources: sources}) {
			return
		}
	}

	summary := o.saveState(req, st, answer)

	em.send(Event{
		Type:    EventFinal,
		Content: answer,
		Sources: sources,
		Summary: summary,
	})
	em.phaseComplete(PhaseAnswer)
}

// saveState persists a short conversation summary. Failures are logged,
// never surfaced: memory is best effort.
func (o *Orchestrator) saveState(req *Request, st *AgentState, answer string) string {
	summary := fmt.Sprintf("Q: %s\nA: %s", clip(st.Query, 200), clip(answer, 400))

	if o.states == nil || req.ConversationID == "" {
		return summary
	}

	var notes []string
	if st.Evidence != nil {
		for _, s := range st.Evidence.Sources {
			notes = append(notes, "source: "+s.Path)
		}
	}
	if err := o.states.Save(req.ConversationID, summary, notes); err != nil {
		slog.Warn("Failed to persist conversation state", "conversation", req.ConversationID, "error", err)
	}
	return summary
}

// answerMessages builds the grounded prompt: tenant system prompt,
// citation rules, evidence block, findings, prior conversation summary,
// history, question.
func (o *Orchestrator) answerMessages(req *Request, st *AgentState) []llm.Message {
	var sys strings.Builder
	sys.WriteString("Du bist ein Assistent fuer Projektdokumentation.")
	if req.Tenant.SystemPromptExtra != "" {
		sys.WriteString("\n")
		sys.WriteString(req.Tenant.SystemPromptExtra)
	}

	hasEvidence := st.Evidence != nil && st.Evidence.Context != ""
	if hasEvidence {
		sys.WriteString("\n\nAntworte ausschliesslich auf Basis der folgenden Auszuege. " +
			"Belege Aussagen mit den Quellennummern in eckigen Klammern, z.B. [1]. " +
			"Wenn die Auszuege die Frage nicht beantworten, sage das.")
		sys.WriteString("\n\n")
		sys.WriteString(st.Evidence.Context)
	}

	if len(st.Findings) > 0 {
		sys.WriteString("\n\nBefunde aus der Analyse:\n")
		for _, f := range st.Findings {
			fmt.Fprintf(&sys, "- [%s/%s] %s (%s)\n", f.Category, f.Severity, f.Description, f.Path)
		}
	}

	if o.states != nil && req.ConversationID != "" {
		if rec, err := o.states.Load(req.ConversationID); err == nil && rec.Summary != "" {
			sys.WriteString("\n\nBisheriger Gespraechsverlauf:\n")
			sys.WriteString(rec.Summary)
		}
	}

	messages := []llm.Message{{Role: "system", Content: sys.String()}}
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: "user", Content: st.Query})
	return messages
}
