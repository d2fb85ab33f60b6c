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

package evidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/retrieve"
)

func cfgWith(maxSources, maxChars int) config.RetrievalConfig {
	cfg := config.RetrievalConfig{}
	cfg.SetDefaults()
	cfg.MaxSources = maxSources
	cfg.MaxCharsPerSource = maxChars
	return cfg
}

func TestAssembleCitationOrder(t *testing.T) {
	hits := []retrieve.Hit{
		{Path: "a.pdf", Snippet: "first chunk of a"},
		{Path: "b.docx", Snippet: "first chunk of b"},
		{Path: "a.pdf", Snippet: "second chunk of a"},
	}

	ev := Assemble(hits, cfgWith(6, 1600))

	require.Len(t, ev.Sources, 2)
	assert.Equal(t, 1, ev.Sources[0].Number)
	assert.Equal(t, "a.pdf", ev.Sources[0].Path)
	assert.Equal(t, 2, ev.Sources[1].Number)

	assert.Contains(t, ev.Context, "[1] a.pdf\n")
	assert.Contains(t, ev.Context, "[2] b.docx\n")
	assert.Contains(t, ev.Context, "first chunk of a\n---\nsecond chunk of a")
}

func TestAssembleMaxSources(t *testing.T) {
	var hits []retrieve.Hit
	for _, p := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		hits = append(hits, retrieve.Hit{Path: p + ".txt", Snippet: "text of " + p})
	}

	ev := Assemble(hits, cfgWith(6, 1600))
	assert.Len(t, ev.Sources, 6)
	assert.NotContains(t, ev.Context, "g.txt")
}

func TestAssembleChunkCapPerSource(t *testing.T) {
	var hits []retrieve.Hit
	for i := 0; i < 5; i++ {
		hits = append(hits, retrieve.Hit{Path: "a.pdf", Snippet: strings.Repeat("x", 10)})
	}

	ev := Assemble(hits, cfgWith(6, 1600))
	assert.Equal(t, 2, strings.Count(ev.Context, "\n---\n"))
}

func TestAssembleCharClip(t *testing.T) {
	hits := []retrieve.Hit{
		{Path: "doc1.pdf", Snippet: strings.Repeat("x", 1200)},
		{Path: "doc1.pdf", Snippet: strings.Repeat("y", 1200)},
	}

	ev := Assemble(hits, cfgWith(6, 1600))
	assert.Equal(t, 1200, strings.Count(ev.Context, "x"))
	assert.Equal(t, 400, strings.Count(ev.Context, "y"))
}

func TestAssembleZeroMaxSources(t *testing.T) {
	hits := []retrieve.Hit{{Path: "a.pdf", Snippet: "text"}}
	ev := Assemble(hits, cfgWith(0, 1600))
	assert.Empty(t, ev.Context)
	assert.Empty(t, ev.Sources)
}

func TestFooter(t *testing.T) {
	footer := Footer([]Source{
		{Number: 1, Path: "contracts/nda.pdf"},
		{Number: 2, Path: "mails/offer.msg"},
	})
	assert.Contains(t, footer, "[1] contracts/nda.pdf")
	assert.Contains(t, footer, "[2] mails/offer.msg")
	assert.Empty(t, Footer(nil))
}
