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

package lexical

// Document is the lexical index's unit: one document per file, carrying
// the full extracted content. It is never chunked in the lexical store.
type Document struct {
	Content     string   `json:"content"`
	File        FileMeta `json:"file"`
	Path        PathMeta `json:"path"`
	Meta        HashMeta `json:"meta"`
	Attachments []string `json:"attachments,omitempty"`
}

// FileMeta describes the file itself.
type FileMeta struct {
	Filename  string `json:"filename"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
}

// PathMeta carries both the on-disk and tenant-relative paths.
type PathMeta struct {
	Real    string `json:"real"`
	Virtual string `json:"virtual"`
}

// HashMeta identifies the indexed content version. The sha256 field name
// is part of the wire contract; it holds the file's content hash.
type HashMeta struct {
	SHA256 string `json:"sha256"`
	Mtime  int64  `json:"mtime"`
}

// BulkDoc pairs a document with its index id.
type BulkDoc struct {
	ID  string
	Doc Document
}

// Hit is one search result.
type Hit struct {
	ID        string
	Score     float64
	Path      string
	RealPath  string
	Filename  string
	Extension string
	Snippet   string
}

// search request/response wire types

type esQuery struct {
	Query     map[string]interface{} `json:"query"`
	Size      int                    `json:"size"`
	Highlight map[string]interface{} `json:"highlight,omitempty"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID        string   `json:"_id"`
			Score     float64  `json:"_score"`
			Source    Document `json:"_source"`
			Highlight struct {
				Content []string `json:"content"`
			} `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}
