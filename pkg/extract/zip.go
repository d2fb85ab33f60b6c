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

package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// Member is one extracted archive entry. InnerPath is the slash-separated
// path inside the archive, with nested archives joined in.
type Member struct {
	InnerPath string
	Text      string
}

// Archive extracts every supported member of a ZIP, descending into
// nested archives up to the configured depth. Entries with absolute or
// parent-escaping paths are rejected and logged.
func (r *Registry) Archive(ctx context.Context, data []byte, name string) ([]Member, error) {
	return r.archive(ctx, data, name, "", 1)
}

func (r *Registry) archive(ctx context.Context, data []byte, name, prefix string, depth int) ([]Member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", name, err)
	}

	var members []Member
	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return members, ctx.Err()
		default:
		}

		if f.FileInfo().IsDir() {
			continue
		}
		if !safeInnerPath(f.Name) {
			slog.Warn("Rejecting unsafe archive entry", "archive", name, "entry", f.Name)
			continue
		}

		inner := f.Name
		if prefix != "" {
			inner = prefix + "/" + inner
		}

		raw, err := readZipEntry(f)
		if err != nil {
			r.fail(".zip", name+"!"+inner, err)
			continue
		}

		if strings.ToLower(path.Ext(f.Name)) == ".zip" {
			if depth >= r.maxDepth {
				slog.Debug("Skipping nested archive beyond depth limit", "archive", name, "entry", inner)
				continue
			}
			nested, err := r.archive(ctx, raw, name, inner, depth+1)
			if err != nil {
				r.fail(".zip", name+"!"+inner, err)
				continue
			}
			members = append(members, nested...)
			continue
		}

		if text := r.ExtractBytes(ctx, raw, f.Name); text != "" {
			members = append(members, Member{InnerPath: inner, Text: text})
		}
	}
	return members, nil
}

// safeInnerPath rejects absolute paths and any path escaping the archive
// root via "..".
func safeInnerPath(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	if len(name) > 1 && name[1] == ':' {
		return false
	}
	for _, part := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
