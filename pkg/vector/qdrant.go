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

package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantProvider backs the store with a Qdrant server over gRPC, for
// deployments too large for the embedded store.
type QdrantProvider struct {
	client *qdrant.Client

	mu    sync.Mutex
	known map[string]bool
}

// NewQdrant connects to a Qdrant server.
func NewQdrant(host string, port int, apiKey string, useTLS bool) (*QdrantProvider, error) {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantProvider{client: client, known: make(map[string]bool)}, nil
}

// pointID maps a chunk id onto a Qdrant-legal point id. Qdrant accepts
// only UUIDs and integers, so chunk ids are hashed into a stable UUID and
// the original id travels in the payload.
func pointID(chunkID string) *qdrant.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID))
	return qdrant.NewID(id.String())
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dim int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known[collection] {
		return nil
	}

	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	if !exists {
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection %s: %w", collection, err)
		}
	}
	p.known[collection] = true
	return nil
}

// UpsertBatch adds or replaces records in one call.
func (p *QdrantProvider) UpsertBatch(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := p.ensureCollection(ctx, collection, len(records[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		payload := make(map[string]*qdrant.Value, len(r.Metadata)+2)
		for k, v := range r.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		payload["chunk_id"] = qdrant.NewValueString(r.ID)
		payload["text"] = qdrant.NewValueString(r.Text)

		points = append(points, &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: payload,
		})
	}

	if _, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns the topK nearest records. Qdrant reports cosine
// similarity; it is flipped to a distance here.
func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	points, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	out := make([]Result, 0, len(points))
	for _, pt := range points {
		metadata := make(map[string]string, len(pt.Payload))
		id, text := "", ""
		for k, v := range pt.Payload {
			switch k {
			case "chunk_id":
				id = v.GetStringValue()
			case "text":
				text = v.GetStringValue()
			default:
				metadata[k] = v.GetStringValue()
			}
		}
		out = append(out, Result{
			ID:       id,
			Text:     text,
			Metadata: metadata,
			Distance: 1 - pt.Score,
		})
	}
	return out, nil
}

// DeleteByFileHash removes every record of a file version.
func (p *QdrantProvider) DeleteByFileHash(ctx context.Context, collection, contentHash string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(MetaFileHash, contentHash),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for hash %s: %w", contentHash, err)
	}
	return nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// Close closes the gRPC connection.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

var _ Provider = (*QdrantProvider)(nil)
