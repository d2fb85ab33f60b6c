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

package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/evidence"
)

// chatRequest is the accepted subset of the OpenAI chat-completions
// request, plus the service's own rag_config extension.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	// RAGConfig overrides retrieval weights for this request only.
	RAGConfig *config.Overrides `json:"rag_config,omitempty"`

	// ConversationID keys the persisted conversation state. Absent, one
	// is derived from the message transcript.
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content flexContent `json:"content"`
}

// flexContent accepts both the plain-string and the structured-parts
// form of a message content field. Structured parts are flattened to
// their concatenated text.
type flexContent string

func (c *flexContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = flexContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("unsupported message content shape")
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		b.WriteString(p.Text)
	}
	*c = flexContent(b.String())
	return nil
}

// Response shapes.

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`

	// Sources extends the OpenAI shape with the cited documents; set on
	// non-stream completions only.
	Sources []evidence.Source `json:"sources,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *respMessage `json:"message,omitempty"`
	Delta        *respMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type respMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func newCompletion(model string) chatCompletion {
	return chatCompletion{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
}

func newChunk(id, model string) chatCompletion {
	return chatCompletion{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
}

// The advanced-pipeline opt-in prefix on the user's message.
const advancedPrefix = "[ADVANCED]"

// resolveModel maps the requested model name onto a backend model: a
// rag- prefixed name selects that backend model, anything else falls
// back to the configured answer model.
func resolveModel(requested, configured string) string {
	if strings.HasPrefix(requested, "rag-") {
		if m := strings.TrimPrefix(requested, "rag-"); m != "" {
			return m
		}
	}
	return configured
}
