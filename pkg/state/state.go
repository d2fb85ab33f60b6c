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

// Package state persists per-conversation summaries as one JSON file per
// conversation id, written atomically via temp-file-and-rename.
package state

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is one conversation's persisted state.
type Record struct {
	Summary   string    `json:"summary"`
	Notes     []string  `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes conversation records under a base directory.
type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// SanitizeID strips everything outside [A-Za-z0-9_-] and truncates to 80
// characters. An id that sanitizes to nothing is replaced by a hash of
// the original, so distinct callers cannot collide on an empty name.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 80 {
		out = out[:80]
	}
	if out == "" {
		sum := sha1.Sum([]byte(id))
		out = "conv-" + hex.EncodeToString(sum[:])[:16]
	}
	return out
}

// DeriveID produces a deterministic conversation id from a message
// transcript, for callers that do not supply one.
func DeriveID(transcript string) string {
	sum := sha1.Sum([]byte(transcript))
	return "conv-" + hex.EncodeToString(sum[:])[:16]
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, SanitizeID(id)+".json")
}

// Load returns the record for id, or an empty record when none exists.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Record{}, nil
		}
		return nil, fmt.Errorf("failed to read conversation state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse conversation state: %w", err)
	}
	return &rec, nil
}

// Save writes the record atomically: a sibling temp file is renamed over
// the target, so readers never observe a half-written record. Concurrent
// writers to the same conversation are last-writer-wins.
func (s *Store) Save(id, summary string, notes []string) error {
	rec := Record{Summary: summary, Notes: notes, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}

	target := s.pathFor(id)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
