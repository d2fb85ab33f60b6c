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

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/evidence"
	"github.com/dossier-ai/dossier/pkg/gate"
	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/retrieve"
	"github.com/dossier-ai/dossier/pkg/tenant"
)

// LanguageModel is the slice of the chat client the pipeline needs.
type LanguageModel interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (string, error)
	ChatStructured(ctx context.Context, model string, messages []llm.Message, schemaName string, schemaTarget interface{}) (string, error)
	ChatStream(ctx context.Context, model string, messages []llm.Message) (<-chan llm.StreamChunk, error)
}

// Searcher is the retriever abstraction.
type Searcher interface {
	Retrieve(ctx context.Context, tn *tenant.Tenant, g gate.Gate, query string, cfg config.RetrievalConfig) (*retrieve.Result, error)
}

// Strategy is the structured search plan produced by the strategy phase.
type Strategy struct {
	Intent          string            `json:"intent" mapstructure:"intent"`
	Keywords        []string          `json:"keywords" mapstructure:"keywords"`
	Synonyms        []string          `json:"synonyms,omitempty" mapstructure:"synonyms"`
	Filters         map[string]string `json:"filters,omitempty" mapstructure:"filters"`
	ExpandedQueries []string          `json:"expanded_queries,omitempty" mapstructure:"expanded_queries"`
}

// Finding is one structured observation the analysis phase extracts from
// a document.
type Finding struct {
	Category    string `json:"category" mapstructure:"category"`
	Severity    string `json:"severity" mapstructure:"severity"`
	Description string `json:"description" mapstructure:"description"`
	Status      string `json:"status,omitempty" mapstructure:"status"`
	Path        string `json:"path,omitempty" mapstructure:"-"`
}

// Verdict is the validation outcome for one iteration.
type Verdict struct {
	Valid          bool
	NeedsIteration bool
	Reason         string
	Coverage       float64
}

// AgentState is the shared state the phases read and write. Phases never
// run concurrently, so it needs no locking.
type AgentState struct {
	Query     string
	Gate      gate.Gate
	Strategy  *Strategy
	Hits      []retrieve.Hit
	ExactRan  bool
	ExactZero bool
	Findings  []Finding
	Evidence  *evidence.Evidence
	Iteration int

	// NeedsIteration is set by retrieval pre-validation or validation to
	// request another retrieval round with a revised strategy;
	// IterationReason names the check that asked for it.
	NeedsIteration  bool
	IterationReason string

	// Verdict is the most recent validation outcome.
	Verdict *Verdict
}

// Request is one question to answer.
type Request struct {
	Tenant         *tenant.Tenant
	Query          string
	History        []llm.Message
	ConversationID string

	// Advanced opts into the full orchestrated pipeline; the default is
	// the simple retrieval-then-answer path.
	Advanced bool

	// AnswerModel is the resolved model name for the answer stage.
	AnswerModel string

	Retrieval config.RetrievalConfig
}
