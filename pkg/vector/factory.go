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

import "fmt"

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string

	// Path is the persistence directory for the embedded provider.
	Path string

	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantTLS    bool
}

// New creates the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromem(cfg.Path)
	case "qdrant":
		return NewQdrant(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantAPIKey, cfg.QdrantTLS)
	default:
		return nil, fmt.Errorf("unknown vector provider %q (supported: chromem, qdrant)", cfg.Provider)
	}
}
