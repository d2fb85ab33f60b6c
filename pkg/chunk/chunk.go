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

// Package chunk turns extracted document text into overlapping windows
// with stable identifiers.
package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Chunk is one window of a document's text.
type Chunk struct {
	// ID is stable across re-indexing of unchanged files. Regular files
	// use sha1(virtual_path)[:16]:<index>; archive members use
	// <content_hash>:<inner_path>:<index>.
	ID string

	// FileHash is the SHA-1 content hash of the parent file.
	FileHash string

	// Index is the window's position within the file, contiguous from 0.
	Index int

	Text string

	// Metadata travels with the chunk into the vector store.
	Metadata map[string]string
}

var (
	crlf       = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
	manyBlanks = regexp.MustCompile(`\n{3,}`)
)

// Normalize prepares extracted text for chunking: CRLF to LF, runs of
// spaces and tabs collapsed, paragraph breaks preserved but capped at one
// blank line.
func Normalize(text string) string {
	text = crlf.Replace(text)
	text = spaceRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	text = strings.Join(lines, "\n")

	text = manyBlanks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Split emits substrings of length size with a size-overlap stride over
// the rune sequence. Empty input yields no windows; the final window may
// be shorter than size.
func Split(text string, size, overlap int) []string {
	if text == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	stride := size - overlap

	var out []string
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// DocID derives the lexical document id for a file: the path-hash prefix
// all of the file's chunk ids share.
func DocID(virtualPath string) string {
	sum := sha1.Sum([]byte(virtualPath))
	return hex.EncodeToString(sum[:])[:16]
}

// FileID derives the chunk id for a window of a regular file.
func FileID(virtualPath string, index int) string {
	return fmt.Sprintf("%s:%d", DocID(virtualPath), index)
}

// ArchiveID derives the chunk id for a window of an archive member. The
// content hash of the archive keys the id, so re-ingesting an unchanged
// archive reproduces identical ids.
func ArchiveID(contentHash, innerPath string, index int) string {
	return fmt.Sprintf("%s:%s:%d", contentHash, innerPath, index)
}

// File chunks a regular file's normalized text.
func File(virtualPath, contentHash, text string, size, overlap int) []Chunk {
	windows := Split(Normalize(text), size, overlap)
	chunks := make([]Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, Chunk{
			ID:       FileID(virtualPath, i),
			FileHash: contentHash,
			Index:    i,
			Text:     w,
			Metadata: map[string]string{"path": virtualPath},
		})
	}
	return chunks
}

// Archive chunks one member of an archive.
func Archive(contentHash, innerPath, virtualPath, text string, size, overlap int) []Chunk {
	windows := Split(Normalize(text), size, overlap)
	chunks := make([]Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, Chunk{
			ID:       ArchiveID(contentHash, innerPath, i),
			FileHash: contentHash,
			Index:    i,
			Text:     w,
			Metadata: map[string]string{"path": virtualPath, "inner_path": innerPath},
		})
	}
	return chunks
}
