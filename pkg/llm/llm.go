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

// Package llm is the chat-completions client used by every pipeline
// phase. It speaks the OpenAI wire format in both streaming and
// non-streaming modes and supports structured output via JSON schemas.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkoukk/tiktoken-go"

	"github.com/dossier-ai/dossier/pkg/httpclient"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one unit of a streamed completion.
type StreamChunk struct {
	Text string
	Err  error
	Done bool
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	host        string
	apiKey      string
	maxTokens   int
	temperature float64

	// baseTimeout plus secondsPerKTok scaled by estimated prompt size
	// bounds each call; big evidence contexts get proportionally longer.
	baseTimeout    time.Duration
	secondsPerKTok float64

	http *httpclient.Client

	encOnce sync.Once
	encoder *tiktoken.Tiktoken
}

// Option configures the client.
type Option func(*Client)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithBaseTimeout sets the floor of the per-call timeout.
func WithBaseTimeout(d time.Duration) Option {
	return func(c *Client) { c.baseTimeout = d }
}

// WithTimeoutScaling adds seconds per thousand estimated prompt tokens.
func WithTimeoutScaling(secondsPerKTok float64) Option {
	return func(c *Client) { c.secondsPerKTok = secondsPerKTok }
}

// WithHTTPClient replaces the retrying transport.
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a chat client.
func New(host, apiKey string, opts ...Option) *Client {
	c := &Client{
		host:           host,
		apiKey:         apiKey,
		maxTokens:      4096,
		temperature:    0.2,
		baseTimeout:    120 * time.Second,
		secondsPerKTok: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		)
	}
	return c
}

// CountTokens estimates token usage of the messages. The tokenizer loads
// lazily; when unavailable the rune-quarter heuristic stands in.
func (c *Client) CountTokens(messages []Message) int {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Tokenizer unavailable, using heuristic estimate", "error", err)
			return
		}
		c.encoder = enc
	})

	total := 0
	for _, m := range messages {
		if c.encoder != nil {
			total += len(c.encoder.Encode(m.Content, nil, nil))
		} else {
			total += len([]rune(m.Content)) / 4
		}
		total += 4 // per-message framing overhead
	}
	return total
}

// timeoutFor scales the call timeout with the prompt size.
func (c *Client) timeoutFor(messages []Message) time.Duration {
	tokens := c.CountTokens(messages)
	scaled := time.Duration(float64(tokens) / 1000 * c.secondsPerKTok * float64(time.Second))
	return c.baseTimeout + scaled
}

type chatRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	Temperature    float64     `json:"temperature"`
	Stream         bool        `json:"stream,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat runs one non-streaming completion and returns the content.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	return c.chat(ctx, model, messages, nil)
}

// ChatStructured runs a completion constrained to the JSON schema of
// schemaTarget and returns the raw JSON content. Parsing, including
// fallback behavior, is the caller's concern.
func (c *Client) ChatStructured(ctx context.Context, model string, messages []Message, schemaName string, schemaTarget interface{}) (string, error) {
	return c.chat(ctx, model, messages, responseFormat(schemaName, schemaTarget))
}

// responseFormat builds an OpenAI json_schema response format by
// reflecting the target type.
func responseFormat(name string, target interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(target)
	schema.Version = ""

	return map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   name,
			"strict": true,
			"schema": schema,
		},
	}
}

func (c *Client) chat(ctx context.Context, model string, messages []Message, format interface{}) (string, error) {
	resp, err := c.send(ctx, chatRequest{
		Model:          model,
		Messages:       messages,
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
		ResponseFormat: format,
	}, c.timeoutFor(messages))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion failed: HTTP %d: %s", resp.StatusCode, clip(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// ChatStream starts a streaming completion. Chunks arrive on the
// returned channel; the final chunk has Done set (or Err on failure).
// The channel closes when the stream ends or ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message) (<-chan StreamChunk, error) {
	resp, err := c.send(ctx, chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
	}, c.timeoutFor(messages))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("streaming completion failed: HTTP %d: %s", resp.StatusCode, clip(body))
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					out <- StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)}
				}
				return
			}

			data, found := strings.CutPrefix(strings.TrimSpace(string(line)), "data: ")
			if !found || data == "" {
				continue
			}
			if data == "[DONE]" {
				select {
				case out <- StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var frame streamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				slog.Debug("Skipping malformed stream frame", "error", err)
				continue
			}
			if len(frame.Choices) == 0 {
				continue
			}

			if content := frame.Choices[0].Delta.Content; content != "" {
				select {
				case out <- StreamChunk{Text: content}:
				case <-ctx.Done():
					return
				}
			}
			if fr := frame.Choices[0].FinishReason; fr != nil && *fr != "" {
				select {
				case out <- StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) send(ctx context.Context, reqBody chatRequest, timeout time.Duration) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	// The deadline must outlive this function for streaming reads, so it
	// hangs off the caller's context rather than a deferred cancel.
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil && resp == nil {
		cancel()
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	// Tie cancel to body close so the timeout is released with the stream.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func clip(body []byte) string {
	s := string(body)
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
