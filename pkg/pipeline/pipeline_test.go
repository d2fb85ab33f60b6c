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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/gate"
	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/retrieve"
	"github.com/dossier-ai/dossier/pkg/tenant"
)

type fakeLLM struct {
	structured   string
	chatReply    string
	streamText   []string
	streamCalled int
}

func (f *fakeLLM) Chat(_ context.Context, _ string, _ []llm.Message) (string, error) {
	return f.chatReply, nil
}

func (f *fakeLLM) ChatStructured(_ context.Context, _ string, _ []llm.Message, _ string, _ interface{}) (string, error) {
	return f.structured, nil
}

func (f *fakeLLM) ChatStream(_ context.Context, _ string, _ []llm.Message) (<-chan llm.StreamChunk, error) {
	f.streamCalled++
	ch := make(chan llm.StreamChunk, len(f.streamText)+1)
	for _, t := range f.streamText {
		ch <- llm.StreamChunk{Text: t}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeSearcher struct {
	result  *retrieve.Result
	queries []string
	modes   []gate.Mode
}

func (f *fakeSearcher) Retrieve(_ context.Context, _ *tenant.Tenant, g gate.Gate, query string, _ config.RetrievalConfig) (*retrieve.Result, error) {
	f.queries = append(f.queries, query)
	f.modes = append(f.modes, g.Mode)
	return f.result, nil
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:              10,
		MaxContextDocs:    20,
		MaxSources:        6,
		MaxCharsPerSource: 1600,
		MaxIterations:     2,
	}
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func finalOf(t *testing.T, events []Event) Event {
	t.Helper()
	for _, ev := range events {
		if ev.Type == EventFinal {
			return ev
		}
	}
	t.Fatal("no final event in stream")
	return Event{}
}

func TestSimplePathStreamsAnswerWithFooter(t *testing.T) {
	lm := &fakeLLM{streamText: []string{"Der Vertrag ", "endet 2026. [1]"}}
	search := &fakeSearcher{result: &retrieve.Result{
		Mode: gate.ModeHybrid,
		Hits: []retrieve.Hit{
			{Path: "docs/vertrag.pdf", Snippet: "Laufzeit bis 2026", Extension: "pdf"},
		},
	}}
	o := New(lm, search, nil, config.LLMConfig{AnswerModel: "answer"}, "Nicht in den Dokumenten gefunden.")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:      &tenant.Tenant{Name: "t"},
		Query:       "Suche die Vertragslaufzeit",
		AnswerModel: "answer",
		Retrieval:   testRetrievalConfig(),
	}))

	final := finalOf(t, events)
	assert.True(t, strings.HasPrefix(final.Content, "Der Vertrag endet 2026. [1]"))
	assert.Contains(t, final.Content, "Quellen:\n[1] docs/vertrag.pdf")
	require.Len(t, final.Sources, 1)
	assert.Equal(t, "docs/vertrag.pdf", final.Sources[0].Path)

	// Token events reassemble to the final content.
	var streamed strings.Builder
	sawSources := false
	for _, ev := range events {
		if ev.Type == EventToken {
			streamed.WriteString(ev.Content)
		}
		if ev.Type == EventSources {
			sawSources = true
		}
	}
	assert.Equal(t, final.Content, streamed.String())
	assert.True(t, sawSources)
	assert.Equal(t, []gate.Mode{gate.ModeHybrid}, search.modes)
}

func TestNoRAGReturnsFixedRefusal(t *testing.T) {
	lm := &fakeLLM{streamText: []string{"freie Antwort"}}
	search := &fakeSearcher{result: &retrieve.Result{}}
	o := New(lm, search, nil, config.LLMConfig{}, "Nicht in den Dokumenten gefunden.")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Guten Morgen, wie geht es dir?",
		Retrieval: testRetrievalConfig(),
	}))

	final := finalOf(t, events)
	assert.Equal(t, "Nicht in den Dokumenten gefunden.", final.Content)
	assert.Empty(t, final.Sources)
	assert.Empty(t, search.queries, "no_rag must not touch the backends")
	assert.Zero(t, lm.streamCalled, "no_rag must not consult the model")
}

func TestEmptyEvidenceReturnsFixedRefusal(t *testing.T) {
	lm := &fakeLLM{streamText: []string{"halluzinierte Antwort"}}
	search := &fakeSearcher{result: &retrieve.Result{Mode: gate.ModeHybrid}}
	o := New(lm, search, nil, config.LLMConfig{}, "Nicht in den Dokumenten gefunden.")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Suche nach etwas ohne Treffer",
		Retrieval: testRetrievalConfig(),
	}))

	final := finalOf(t, events)
	assert.Equal(t, "Nicht in den Dokumenten gefunden.", final.Content)
	assert.Empty(t, final.Sources)
	require.NotEmpty(t, search.queries, "hybrid retrieval does run")
	assert.Zero(t, lm.streamCalled, "an ungrounded answer must not be generated")
}

func TestExactZeroStreamsRefusal(t *testing.T) {
	lm := &fakeLLM{streamText: []string{"should not be used"}}
	search := &fakeSearcher{result: &retrieve.Result{
		Mode:      gate.ModeExactPhrase,
		ExactRan:  true,
		ExactZero: true,
	}}
	o := New(lm, search, nil, config.LLMConfig{}, "Nicht in den Dokumenten gefunden.")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     `Zitiere den Wortlaut von "Paragraph 7"`,
		Retrieval: testRetrievalConfig(),
	}))

	final := finalOf(t, events)
	assert.Equal(t, "Nicht in den Dokumenten gefunden.", final.Content)
	assert.Zero(t, lm.streamCalled, "refusal must not consult the model")
}

func TestAdvancedRunsStrategyAndExpansions(t *testing.T) {
	lm := &fakeLLM{
		structured: `{"intent":"fact_lookup","keywords":["vertrag"],"expanded_queries":["vertrag kuendigung frist"]}`,
		streamText: []string{"Antwort. [1]"},
	}
	search := &fakeSearcher{result: &retrieve.Result{
		Mode: gate.ModeHybrid,
		Hits: []retrieve.Hit{
			{Path: "a/vertrag.pdf", Snippet: "vertrag laufzeit", Extension: "pdf"},
			{Path: "b/anhang.docx", Snippet: "vertrag anhang", Extension: "docx"},
			{Path: "c/protokoll.msg", Snippet: "vertrag besprochen", Extension: "msg"},
		},
	}}
	o := New(lm, search, nil, config.LLMConfig{StrategyModel: "strategy"}, "nope")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Suche alle Vertragsdetails",
		Advanced:  true,
		Retrieval: testRetrievalConfig(),
	}))

	var phases []Phase
	for _, ev := range events {
		if ev.Type == EventPhaseStart {
			phases = append(phases, ev.Phase)
		}
	}
	assert.Equal(t, []Phase{PhaseStrategy, PhaseRetrieval, PhaseValidation, PhaseAnswer}, phases)

	// Base query plus one expansion; heuristics pass, so one iteration.
	require.Len(t, search.queries, 2)
	assert.Equal(t, "vertrag kuendigung frist", search.queries[1])
	assert.Equal(t, gate.ModeHybrid, search.modes[1])

	final := finalOf(t, events)
	assert.Contains(t, final.Content, "Antwort. [1]")
	require.Len(t, final.Sources, 3)
}

func TestAdvancedIteratesOnThinEvidence(t *testing.T) {
	lm := &fakeLLM{
		structured: `{"intent":"fact_lookup","keywords":["zzz-niemals"]}`,
		chatReply:  "NEIN",
		streamText: []string{"Antwort"},
	}
	// One hit from one document: fails the distinct-documents heuristic.
	search := &fakeSearcher{result: &retrieve.Result{
		Mode: gate.ModeHybrid,
		Hits: []retrieve.Hit{{Path: "a/doc.pdf", Snippet: "irrelevant", Extension: "pdf"}},
	}}
	o := New(lm, search, nil, config.LLMConfig{StrategyModel: "strategy"}, "nope")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Suche etwas Obskures",
		Advanced:  true,
		Retrieval: testRetrievalConfig(),
	}))

	retrievals := 0
	for _, ev := range events {
		if ev.Type == EventPhaseStart && ev.Phase == PhaseRetrieval {
			retrievals++
		}
	}
	assert.Equal(t, 2, retrievals, "negative validation must trigger a second round")
	finalOf(t, events)
}

func TestAdvancedIteratesWhenPrefilterLeavesTooFew(t *testing.T) {
	lm := &fakeLLM{
		structured: `{"intent":"fact_lookup","keywords":["vertrag"]}`,
		chatReply:  "JA",
		streamText: []string{"Antwort. [1]"},
	}
	// Two plausible hits: the heuristics and the judgment both pass, but
	// the pre-validation floor of three is not met.
	search := &fakeSearcher{result: &retrieve.Result{
		Mode: gate.ModeHybrid,
		Hits: []retrieve.Hit{
			{Path: "docs/vertrag.pdf", Snippet: "vertrag laufzeit", Extension: "pdf"},
			{Path: "docs/anhang.pdf", Snippet: "vertrag anhang", Extension: "pdf"},
		},
	}}
	o := New(lm, search, nil, config.LLMConfig{StrategyModel: "strategy"}, "nope")

	events := collect(o.Run(context.Background(), &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Suche die Vertragsdetails",
		Advanced:  true,
		Retrieval: testRetrievalConfig(),
	}))

	retrievals := 0
	for _, ev := range events {
		if ev.Type == EventPhaseStart && ev.Phase == PhaseRetrieval {
			retrievals++
		}
	}
	assert.Equal(t, 2, retrievals, "thin pre-filtered evidence must trigger a second round")
	finalOf(t, events)
}

func TestRunHonorsCancellation(t *testing.T) {
	lm := &fakeLLM{streamText: []string{"a", "b", "c"}}
	search := &fakeSearcher{result: &retrieve.Result{
		Mode: gate.ModeHybrid,
		Hits: []retrieve.Hit{{Path: "x.pdf", Snippet: "s", Extension: "pdf"}},
	}}
	o := New(lm, search, nil, config.LLMConfig{}, "nope")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := o.Run(ctx, &Request{
		Tenant:    &tenant.Tenant{Name: "t"},
		Query:     "Suche etwas",
		Retrieval: testRetrievalConfig(),
	})

	// The channel must close without a final event.
	for ev := range ch {
		assert.NotEqual(t, EventFinal, ev.Type)
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := parseStrategy("```json\n{\"intent\":\"analysis\",\"keywords\":[\"a\",\"b\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "analysis", s.Intent)
	assert.Equal(t, []string{"a", "b"}, s.Keywords)

	s, err = parseStrategy(`{"keywords":["x"]}`)
	require.NoError(t, err)
	assert.Equal(t, "fact_lookup", s.Intent, "missing intent defaults")

	_, err = parseStrategy("not json at all")
	assert.Error(t, err)

	_, err = parseStrategy(`{"temperature":0.7}`)
	assert.Error(t, err, "object without intent or keywords is rejected")
}

func TestParseFindingsAcceptsBareArray(t *testing.T) {
	findings, err := parseFindings(`[{"category":"risk","severity":"high","description":"open liability"}]`)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "risk", findings[0].Category)

	findings, err = parseFindings(`{"findings":[{"category":"info","severity":"low","description":"d"}]}`)
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestPrevalidateDropsConfigNoise(t *testing.T) {
	st := &AgentState{}
	hits := []retrieve.Hit{
		{Path: "deploy/docker-compose.yml", Snippet: "services: web"},
		{Path: "docs/vertrag.pdf", Snippet: "Laufzeit"},
		{Path: "conf/app.ini", Snippet: "Haftung des Auftragnehmers"},
		{Path: "docs/angebot.docx", Snippet: "Preisliste"},
		{Path: "docs/protokoll.msg", Snippet: "Besprechung"},
	}

	filtered := prevalidate(st, hits)

	paths := make([]string, 0, len(filtered))
	for _, h := range filtered {
		paths = append(paths, h.Path)
	}
	// The compose file goes; the ini survives on its strong snippet.
	assert.Equal(t, []string{"docs/vertrag.pdf", "conf/app.ini", "docs/angebot.docx", "docs/protokoll.msg"}, paths)
	assert.False(t, st.NeedsIteration)
}

func TestPrevalidateFlagsThinResults(t *testing.T) {
	st := &AgentState{}
	filtered := prevalidate(st, []retrieve.Hit{
		{Path: "docs/a.pdf", Snippet: "x"},
	})
	assert.Len(t, filtered, 1)
	assert.True(t, st.NeedsIteration)
	assert.Equal(t, "too_few_hits_after_filter", st.IterationReason)
}

func TestPrevalidateFlagsLowDiversity(t *testing.T) {
	st := &AgentState{}
	filtered := prevalidate(st, []retrieve.Hit{
		{Path: "docs/a.pdf", Snippet: "vertrag"},
		{Path: "docs/b.pdf", Snippet: "vertrag"},
		{Path: "docs/c.pdf", Snippet: "vertrag"},
		{Path: "docs/d.pdf", Snippet: "vertrag"},
	})

	// Enough hits, but all from one directory.
	assert.Len(t, filtered, 4)
	assert.True(t, st.NeedsIteration)
	assert.Equal(t, "low_source_diversity", st.IterationReason)
}

func TestValidationKeepsPrevalidationSignal(t *testing.T) {
	o := New(&fakeLLM{chatReply: "JA"}, nil, nil, config.LLMConfig{}, "nope")
	st := &AgentState{
		Query: "frage",
		Hits: []retrieve.Hit{
			{Path: "docs/a.pdf", Snippet: "vertrag laufzeit"},
			{Path: "docs/b.pdf", Snippet: "vertrag anhang"},
		},
		Strategy:        &Strategy{Intent: "fact_lookup", Keywords: []string{"vertrag"}},
		NeedsIteration:  true,
		IterationReason: "too_few_hits_after_filter",
	}

	o.validationPhase(context.Background(), st)

	// The judgment passes, yet the thin-evidence signal survives.
	assert.True(t, st.NeedsIteration)
	require.NotNil(t, st.Verdict)
	assert.True(t, st.Verdict.Valid)
	assert.True(t, st.Verdict.NeedsIteration)
	assert.Equal(t, "too_few_hits_after_filter", st.Verdict.Reason)
	assert.InDelta(t, 1.0, st.Verdict.Coverage, 0.001)
}

func TestReviseStrategyBroadens(t *testing.T) {
	st := &AgentState{
		Query: "frage",
		Strategy: &Strategy{
			Intent:   "fact_lookup",
			Keywords: []string{"vertrag"},
			Synonyms: []string{"kontrakt"},
			Filters:  map[string]string{"customer": "acme"},
		},
		Hits: []retrieve.Hit{{Path: "docs/rahmenvertrag_acme.pdf", Snippet: "s"}},
	}

	revised := reviseStrategy(st)

	assert.Empty(t, revised.Filters, "filters are dropped on revision")
	assert.Contains(t, revised.Keywords, "kontrakt*")
	assert.Contains(t, revised.Keywords, "rahmenvertrag")
	require.Len(t, revised.ExpandedQueries, 1)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`Here is the plan: {"a":1}`))
	assert.Equal(t, `[1,2]`, extractJSON("[1,2]"))
}

func TestExtractiveFallbackCapsAtFive(t *testing.T) {
	text := strings.Repeat("Abschnitt mit Inhalt.\n\n", 8)
	findings := extractiveFallback("doc.pdf", text)
	assert.Len(t, findings, 5)
	for _, f := range findings {
		assert.Equal(t, "extract", f.Category)
		assert.Equal(t, "doc.pdf", f.Path)
	}
}
