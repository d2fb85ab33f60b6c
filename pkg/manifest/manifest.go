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

// Package manifest is the content-address table driving incremental
// indexing. It maps absolute paths to (content_hash, mtime, size) and is
// the single source of truth for "is this file already indexed at this
// version".
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Row is one manifest entry. ContentHash is SHA-1 over the raw file bytes;
// Mtime is Unix nanoseconds of the file's modification time.
type Row struct {
	Path        string
	Tenant      string
	ContentHash string
	Mtime       int64
	Size        int64
}

// Current reports whether the row still matches a filesystem stat. The
// indexer skips a file iff mtime and size both match exactly.
func (r *Row) Current(info os.FileInfo) bool {
	return r.Mtime == info.ModTime().UnixNano() && r.Size == info.Size()
}

// ErrNotFound is returned by Get when no row exists for a path.
var ErrNotFound = errors.New("manifest: path not found")

// Store is a sqlite-backed manifest. Writes serialize on the database;
// the store is safe for concurrent use from indexer workers.
type Store struct {
	db *sql.DB
}

// Open creates or opens the manifest database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}
	// Single writer; sqlite serializes anyway, this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS files (
	path         TEXT NOT NULL,
	tenant       TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mtime        INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (tenant, path)
);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files (content_hash);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize manifest schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the row for (tenant, path) or ErrNotFound.
func (s *Store) Get(tenant, path string) (*Row, error) {
	row := &Row{}
	err := s.db.QueryRow(
		`SELECT path, tenant, content_hash, mtime, size FROM files WHERE tenant = ? AND path = ?`,
		tenant, path,
	).Scan(&row.Path, &row.Tenant, &row.ContentHash, &row.Mtime, &row.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest row: %w", err)
	}
	return row, nil
}

// Upsert replaces the row for (tenant, path) unconditionally.
func (s *Store) Upsert(row *Row) error {
	_, err := s.db.Exec(
		`INSERT INTO files (path, tenant, content_hash, mtime, size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			mtime        = excluded.mtime,
			size         = excluded.size,
			updated_at   = excluded.updated_at`,
		row.Path, row.Tenant, row.ContentHash, row.Mtime, row.Size, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert manifest row: %w", err)
	}
	return nil
}

// Delete removes the row for (tenant, path). Missing rows are not an error.
func (s *Store) Delete(tenant, path string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE tenant = ? AND path = ?`, tenant, path); err != nil {
		return fmt.Errorf("failed to delete manifest row: %w", err)
	}
	return nil
}

// All returns every row for a tenant, ordered by path. The sweep operation
// uses this to find manifest entries whose files no longer exist on disk.
func (s *Store) All(tenant string) ([]*Row, error) {
	rows, err := s.db.Query(
		`SELECT path, tenant, content_hash, mtime, size FROM files WHERE tenant = ? ORDER BY path`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r := &Row{}
		if err := rows.Scan(&r.Path, &r.Tenant, &r.ContentHash, &r.Mtime, &r.Size); err != nil {
			return nil, fmt.Errorf("failed to scan manifest row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of rows for a tenant.
func (s *Store) Count(tenant string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files WHERE tenant = ?`, tenant).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count manifest rows: %w", err)
	}
	return n, nil
}
