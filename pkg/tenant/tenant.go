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

// Package tenant defines the tenant table and per-request resolution.
//
// Tenants are the only access boundary: each one routes to its own document
// root, lexical index, vector collection prefix and glossary. The table is
// built once at boot and immutable afterwards.
package tenant

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeaderName is the request header selecting a tenant.
const HeaderName = "X-Tenant-ID"

// Tenant is one namespace of the corpus.
type Tenant struct {
	Name      string `yaml:"name"`
	ShortName string `yaml:"short_name"`

	// DocumentRoot is the absolute path of the tenant's corpus.
	DocumentRoot string `yaml:"document_root"`

	// ESIndex is the tenant's lexical index name.
	ESIndex string `yaml:"es_index"`

	// ChromaPrefix prefixes the tenant's vector collection names.
	ChromaPrefix string `yaml:"chroma_prefix"`

	SystemPromptExtra string `yaml:"system_prompt_extra,omitempty"`

	// Glossary maps acronyms and domain terms to their expansions.
	Glossary map[string]string `yaml:"glossary,omitempty"`

	// TranscriptCorrections maps frequent mis-transcriptions to the
	// intended term, applied before the glossary.
	TranscriptCorrections map[string]string `yaml:"transcript_corrections,omitempty"`

	// ExtFilter restricts lexical search to these extensions when set.
	ExtFilter []string `yaml:"ext_filter,omitempty"`
}

// Collection returns the tenant's vector collection name for a doctype
// segment; an empty segment yields the default collection.
func (t *Tenant) Collection(segment string) string {
	if segment == "" {
		return t.ChromaPrefix + "_default"
	}
	return t.ChromaPrefix + "_" + segment
}

// Validate checks required tenant fields.
func (t *Tenant) Validate() error {
	if t.ShortName == "" {
		return fmt.Errorf("tenant is missing short_name")
	}
	if t.DocumentRoot == "" {
		return fmt.Errorf("tenant %s is missing document_root", t.ShortName)
	}
	if t.ESIndex == "" {
		return fmt.Errorf("tenant %s is missing es_index", t.ShortName)
	}
	if t.ChromaPrefix == "" {
		return fmt.Errorf("tenant %s is missing chroma_prefix", t.ShortName)
	}
	return nil
}

// Registry is the immutable tenant table plus the process-wide active
// tenant chosen at boot.
type Registry struct {
	tenants map[string]*Tenant
	active  *Tenant
}

type tenantsFile struct {
	Tenants []*Tenant `yaml:"tenants"`
}

// LoadFile reads the tenant table. An unknown or missing file, a duplicate
// short_name, or an invalid tenant are all fatal: the process must not
// start without a resolvable tenant.
func LoadFile(path, active string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file %s: %w", path, err)
	}

	var parsed tenantsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file %s: %w", path, err)
	}
	if len(parsed.Tenants) == 0 {
		return nil, fmt.Errorf("tenants file %s declares no tenants", path)
	}

	reg := &Registry{tenants: make(map[string]*Tenant, len(parsed.Tenants))}
	for _, t := range parsed.Tenants {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.tenants[t.ShortName]; exists {
			return nil, fmt.Errorf("duplicate tenant short_name %q", t.ShortName)
		}
		reg.tenants[t.ShortName] = t
	}

	// Active tenant: env/config value if known, else first by sorted
	// short_name.
	if active != "" {
		t, ok := reg.tenants[active]
		if !ok {
			return nil, fmt.Errorf("active tenant %q not found in %s", active, path)
		}
		reg.active = t
	} else {
		names := make([]string, 0, len(reg.tenants))
		for name := range reg.tenants {
			names = append(names, name)
		}
		sort.Strings(names)
		reg.active = reg.tenants[names[0]]
	}

	return reg, nil
}

// FromEnv builds a single-tenant registry from environment variables. It is
// the fallback when no tenants file exists.
func FromEnv() (*Registry, error) {
	t := &Tenant{
		Name:         envOr("TENANT_NAME", "default"),
		ShortName:    envOr("TENANT", "default"),
		DocumentRoot: os.Getenv("FILE_BASE"),
		ESIndex:      os.Getenv("ES_INDEX"),
		ChromaPrefix: envOr("CHROMA_PREFIX", "dossier"),
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("no tenants file and incomplete environment: %w", err)
	}
	return &Registry{
		tenants: map[string]*Tenant{t.ShortName: t},
		active:  t,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Active returns the process-wide active tenant.
func (r *Registry) Active() *Tenant {
	return r.active
}

// Get returns a tenant by short name.
func (r *Registry) Get(shortName string) (*Tenant, bool) {
	t, ok := r.tenants[shortName]
	return t, ok
}

// All returns the tenants sorted by short name.
func (r *Registry) All() []*Tenant {
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// Resolve picks the tenant for a request: X-Tenant-ID header when it names
// a known tenant, else the process-wide active tenant. An unknown header
// value is an error rather than a silent fallback, so a caller can never
// land in another tenant's corpus by typo.
func (r *Registry) Resolve(req *http.Request) (*Tenant, error) {
	header := strings.TrimSpace(req.Header.Get(HeaderName))
	if header == "" {
		return r.active, nil
	}
	t, ok := r.tenants[header]
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q", header)
	}
	return t, nil
}
