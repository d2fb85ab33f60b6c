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

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"the answer"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", WithMaxTokens(512), WithTemperature(0.1))
	got, err := c.Chat(context.Background(), "answer-model", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "question"},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", got)
	assert.Equal(t, "answer-model", captured["model"])
	assert.Equal(t, float64(512), captured["max_tokens"])
}

func TestChatStructuredSendsSchema(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"intent\":\"fact_lookup\"}"}}]}`)
	}))
	defer srv.Close()

	type strategy struct {
		Intent   string   `json:"intent"`
		Keywords []string `json:"keywords"`
	}

	c := New(srv.URL, "key")
	got, err := c.ChatStructured(context.Background(), "strategy-model",
		[]Message{{Role: "user", Content: "plan"}}, "strategy", &strategy{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"fact_lookup"}`, got)

	raw, _ := json.Marshal(captured["response_format"])
	assert.Contains(t, string(raw), `"type":"json_schema"`)
	assert.Contains(t, string(raw), `"name":"strategy"`)
	assert.Contains(t, string(raw), `"intent"`)
	assert.Contains(t, string(raw), `"keywords"`)
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	stream, err := c.ChatStream(context.Background(), "answer-model", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		if chunk.Done {
			done = true
		}
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, done)
}

func TestChatStreamCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL, "key")
	stream, err := c.ChatStream(ctx, "m", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	<-started
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return // channel closed after cancel, as expected
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}})
	assert.Error(t, err)
}

func TestTimeoutScalesWithPromptSize(t *testing.T) {
	c := New("http://unused", "", WithBaseTimeout(10*time.Second), WithTimeoutScaling(2))

	small := c.timeoutFor([]Message{{Role: "user", Content: "hi"}})
	big := c.timeoutFor([]Message{{Role: "user", Content: string(make([]byte, 400_000))}})

	assert.GreaterOrEqual(t, small, 10*time.Second)
	assert.Greater(t, big, small+time.Minute)
}
