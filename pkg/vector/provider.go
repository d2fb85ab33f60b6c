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

// Package vector stores chunk embeddings, one collection per tenant.
package vector

import "context"

// MetaFileHash is the metadata key carrying the parent file's content
// hash. Deletion by hash depends on every record setting it.
const MetaFileHash = "file_hash"

// Record is one chunk to upsert, keyed by its chunk id.
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// Result is one nearest-neighbor hit. Distance is monotonically smaller
// is better; it is never combined arithmetically with lexical scores.
type Result struct {
	ID       string
	Text     string
	Metadata map[string]string
	Distance float32
}

// Provider is the vector store abstraction.
type Provider interface {
	// UpsertBatch adds or replaces records. Re-upserting identical
	// records is a no-op in effect, which keeps re-indexing idempotent.
	UpsertBatch(ctx context.Context, collection string, records []Record) error

	// Search returns the topK nearest records to the query vector.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// DeleteByFileHash removes every record whose MetaFileHash metadata
	// matches contentHash.
	DeleteByFileHash(ctx context.Context, collection, contentHash string) error

	Name() string
	Close() error
}
