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
	"log/slog"
	"net/http"
	"strings"

	"github.com/dossier-ai/dossier/pkg/evidence"
	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/pipeline"
	"github.com/dossier-ai/dossier/pkg/state"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tn, err := s.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	query, history, ok := splitMessages(req.Messages)
	if !ok {
		writeError(w, http.StatusBadRequest, "last message must be a user message")
		return
	}

	advanced := false
	if strings.HasPrefix(query, advancedPrefix) {
		advanced = true
		query = strings.TrimSpace(strings.TrimPrefix(query, advancedPrefix))
	}

	convID := req.ConversationID
	if convID == "" {
		convID = state.DeriveID(transcript(req.Messages))
	}

	preq := &pipeline.Request{
		Tenant:         tn,
		Query:          query,
		History:        history,
		ConversationID: convID,
		Advanced:       advanced,
		AnswerModel:    resolveModel(req.Model, s.cfg.LLM.AnswerModel),
		Retrieval:      s.cfg.Retrieval.Apply(req.RAGConfig),
	}

	events := s.orch.Run(r.Context(), preq)
	if req.Stream {
		s.streamCompletion(w, r, req.Model, events)
		return
	}
	s.blockingCompletion(w, req.Model, events)
}

// splitMessages separates the final user message (the query) from the
// prior turns. System messages are dropped; the pipeline builds its own.
func splitMessages(messages []chatMessage) (string, []llm.Message, bool) {
	last := messages[len(messages)-1]
	if last.Role != "user" {
		return "", nil, false
	}

	var history []llm.Message
	for _, m := range messages[:len(messages)-1] {
		if m.Role == "system" {
			continue
		}
		history = append(history, llm.Message{Role: m.Role, Content: string(m.Content)})
	}
	return string(last.Content), history, true
}

func transcript(messages []chatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(string(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// blockingCompletion drains the event stream and answers with one
// completion object carrying the cited sources.
func (s *Server) blockingCompletion(w http.ResponseWriter, model string, events <-chan pipeline.Event) {
	var sources []evidence.Source
	for ev := range events {
		switch ev.Type {
		case pipeline.EventSources:
			sources = ev.Sources
		case pipeline.EventFinal:
			if len(ev.Sources) > 0 {
				sources = ev.Sources
			}
			stop := "stop"
			resp := newCompletion(model)
			resp.Sources = sources
			resp.Choices = []chatChoice{{
				Message:      &respMessage{Role: "assistant", Content: ev.Content},
				FinishReason: &stop,
			}}
			writeJSON(w, http.StatusOK, resp)
			return
		case pipeline.EventError:
			writeError(w, http.StatusBadGateway, ev.Message)
			return
		}
	}
	writeError(w, http.StatusBadGateway, "pipeline produced no answer")
}

// streamCompletion relays token events as OpenAI chunk frames. A client
// disconnect cancels the pipeline through the request context; the
// terminating [DONE] is sent only after a completed answer.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model string, events <-chan pipeline.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := completionID()

	// Opening frame announces the assistant role.
	first := newChunk(id, model)
	first.Choices = []chatChoice{{Delta: &respMessage{Role: "assistant"}, FinishReason: nil}}
	if !writeSSE(w, flusher, first) {
		return
	}

	completed := false
	for ev := range events {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		switch ev.Type {
		case pipeline.EventToken:
			frame := newChunk(id, model)
			frame.Choices = []chatChoice{{Delta: &respMessage{Content: ev.Content}, FinishReason: nil}}
			if !writeSSE(w, flusher, frame) {
				return
			}
		case pipeline.EventFinal:
			completed = true
		case pipeline.EventError:
			slog.Warn("Pipeline error during stream", "error", ev.Message)
			frame := newChunk(id, model)
			frame.Choices = []chatChoice{{Delta: &respMessage{Content: "\n[Fehler: " + ev.Message + "]"}, FinishReason: nil}}
			writeSSE(w, flusher, frame)
			return
		}
	}

	if !completed {
		return
	}

	stop := "stop"
	last := newChunk(id, model)
	last.Choices = []chatChoice{{Delta: &respMessage{}, FinishReason: &stop}}
	if !writeSSE(w, flusher, last) {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, frame chatCompletion) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
