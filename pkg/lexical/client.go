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

// Package lexical talks to an Elasticsearch-compatible service. It owns
// index creation (including the glossary-derived synonym analyzer), bulk
// upserts of one document per file, and the phrase/AND/BM25 query shapes
// the retriever depends on.
package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dossier-ai/dossier/pkg/httpclient"
)

// Client is a thin HTTP client for the lexical backend.
type Client struct {
	baseURL string
	http    *httpclient.Client
	timeout time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the retrying transport.
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: c.timeout}),
			httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeader),
		)
	}
	return c
}

// EnsureIndex creates the index with the tenant's analyzer if it does not
// exist yet. The analyzer is lowercase standard tokenization plus a
// synonym filter built from the glossary, so acronym queries match their
// expansions at search time.
func (c *Client) EnsureIndex(ctx context.Context, index string, glossary map[string]string) error {
	settings := map[string]interface{}{
		"settings": map[string]interface{}{
			"analysis": map[string]interface{}{
				"filter": map[string]interface{}{
					"glossary_synonyms": map[string]interface{}{
						"type":     "synonym",
						"synonyms": synonymRules(glossary),
					},
				},
				"analyzer": map[string]interface{}{
					"content_analyzer": map[string]interface{}{
						"type":      "custom",
						"tokenizer": "standard",
						"filter":    []string{"lowercase", "glossary_synonyms"},
					},
				},
			},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"content": map[string]interface{}{
					"type":     "text",
					"analyzer": "content_analyzer",
				},
				"file": map[string]interface{}{
					"properties": map[string]interface{}{
						"filename":  map[string]interface{}{"type": "text"},
						"extension": map[string]interface{}{"type": "keyword"},
						"size":      map[string]interface{}{"type": "long"},
					},
				},
				"path": map[string]interface{}{
					"properties": map[string]interface{}{
						"real":    map[string]interface{}{"type": "keyword"},
						"virtual": map[string]interface{}{"type": "keyword"},
					},
				},
				"meta": map[string]interface{}{
					"properties": map[string]interface{}{
						"sha256": map[string]interface{}{"type": "keyword"},
						"mtime":  map[string]interface{}{"type": "long"},
					},
				},
				"attachments": map[string]interface{}{"type": "text"},
			},
		},
	}

	body, resp, err := c.do(ctx, http.MethodPut, "/"+index, settings)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusBadRequest {
		var esErr esErrorResponse
		if json.Unmarshal(body, &esErr) == nil && esErr.Error.Type == "resource_already_exists_exception" {
			return nil
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to create index %s: HTTP %d: %s", index, resp.StatusCode, truncate(body))
	}
	return nil
}

// synonymRules renders glossary pairs in Solr synonym syntax, sorted for
// deterministic index settings.
func synonymRules(glossary map[string]string) []string {
	keys := make([]string, 0, len(glossary))
	for k := range glossary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := make([]string, 0, len(keys))
	for _, k := range keys {
		rules = append(rules, fmt.Sprintf("%s, %s", strings.ToLower(k), strings.ToLower(glossary[k])))
	}
	return rules
}

// BulkUpsert indexes documents in one _bulk call. A partial failure is an
// error: the caller must not commit the manifest for this batch.
func (c *Client) BulkUpsert(ctx context.Context, index string, docs []BulkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, d := range docs {
		action, err := json.Marshal(map[string]interface{}{
			"index": map[string]interface{}{"_index": index, "_id": d.ID},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		source, err := json.Marshal(d.Doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", d.ID, err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(source)
		buf.WriteByte('\n')
	}

	body, resp, err := c.doRaw(ctx, http.MethodPost, "/_bulk", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bulk upsert failed: HTTP %d: %s", resp.StatusCode, truncate(body))
	}

	var bulkResp esBulkResponse
	if err := json.Unmarshal(body, &bulkResp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Error != nil {
					return fmt.Errorf("bulk item failed: %s: %s", result.Error.Type, result.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk upsert reported errors")
	}
	return nil
}

// SearchPhrase runs an exact phrase query (slop 0) with one highlight
// fragment per hit. Zero hits means the phrase is absent from the index.
func (c *Client) SearchPhrase(ctx context.Context, index, phrase string, size int) ([]Hit, error) {
	return c.search(ctx, index, esQuery{
		Query: map[string]interface{}{
			"match_phrase": map[string]interface{}{
				"content": map[string]interface{}{"query": phrase, "slop": 0},
			},
		},
		Size:      size,
		Highlight: singleFragmentHighlight(),
	})
}

// SearchAND runs the fallback query requiring every term to match.
func (c *Client) SearchAND(ctx context.Context, index, query string, size int) ([]Hit, error) {
	return c.search(ctx, index, esQuery{
		Query: map[string]interface{}{
			"match": map[string]interface{}{
				"content": map[string]interface{}{"query": query, "operator": "AND"},
			},
		},
		Size:      size,
		Highlight: singleFragmentHighlight(),
	})
}

// SearchBM25 runs the ranked query with an optional extension filter.
func (c *Client) SearchBM25(ctx context.Context, index, query string, extensions []string, size int) ([]Hit, error) {
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{
			"match": map[string]interface{}{
				"content": map[string]interface{}{"query": query, "operator": "AND"},
			},
		},
	}
	if len(extensions) > 0 {
		boolQuery["filter"] = map[string]interface{}{
			"terms": map[string]interface{}{"file.extension": extensions},
		}
	}

	return c.search(ctx, index, esQuery{
		Query:     map[string]interface{}{"bool": boolQuery},
		Size:      size,
		Highlight: singleFragmentHighlight(),
	})
}

// DeleteByHash removes every document carrying the content hash. The
// sweep operation uses it to purge records of files gone from disk.
func (c *Client) DeleteByHash(ctx context.Context, index, contentHash string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"meta.sha256": contentHash},
		},
	}
	body, resp, err := c.do(ctx, http.MethodPost, "/"+index+"/_delete_by_query", query)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete by hash failed: HTTP %d: %s", resp.StatusCode, truncate(body))
	}
	return nil
}

// Ping checks backend reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, resp, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lexical backend unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Proxy forwards a raw search body to the index, for the diagnostic
// passthrough endpoint.
func (c *Client) Proxy(ctx context.Context, index string, rawQuery []byte) ([]byte, error) {
	body, resp, err := c.doRaw(ctx, http.MethodPost, "/"+index+"/_search", rawQuery, "application/json")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy search failed: HTTP %d: %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

func singleFragmentHighlight() map[string]interface{} {
	return map[string]interface{}{
		"fields": map[string]interface{}{
			"content": map[string]interface{}{
				"fragment_size":       200,
				"number_of_fragments": 1,
			},
		},
	}
}

func (c *Client) search(ctx context.Context, index string, query esQuery) ([]Hit, error) {
	body, resp, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed: HTTP %d: %s", resp.StatusCode, truncate(body))
	}

	var parsed esSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		snippet := ""
		if len(h.Highlight.Content) > 0 {
			snippet = h.Highlight.Content[0]
		} else if h.Source.Content != "" {
			snippet = head(h.Source.Content, 200)
		}
		hits = append(hits, Hit{
			ID:        h.ID,
			Score:     h.Score,
			Path:      h.Source.Path.Virtual,
			RealPath:  h.Source.Path.Real,
			Filename:  h.Source.File.Filename,
			Extension: h.Source.File.Extension,
			Snippet:   snippet,
		})
	}
	return hits, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, *http.Response, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	return c.doRaw(ctx, method, path, raw, "application/json")
}

func (c *Client) doRaw(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	// Non-2xx statuses come back with both a response and an error; the
	// callers decide by status code, so only transport failures without a
	// response are fatal here.
	resp, err := c.http.Do(req)
	if resp == nil {
		return nil, nil, fmt.Errorf("lexical request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp, nil
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func truncate(body []byte) string {
	return head(string(body), 300)
}
