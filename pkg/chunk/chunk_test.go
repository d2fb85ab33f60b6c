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

package chunk

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	in := "Line one\r\nLine  two\t\tend  \r\n\r\n\r\n\r\nNext paragraph"
	got := Normalize(in)
	want := "Line one\nLine two end\n\nNext paragraph"
	if got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if got := Normalize("   \r\n \t "); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split("", 1200, 180); got != nil {
		t.Errorf("expected no windows for empty input, got %d", len(got))
	}
}

func TestSplitShortInput(t *testing.T) {
	got := Split("short text", 1200, 180)
	if len(got) != 1 || got[0] != "short text" {
		t.Errorf("expected single window, got %v", got)
	}
}

func TestSplitStrideAndOverlap(t *testing.T) {
	text := strings.Repeat("a", 250)
	got := Split(text, 100, 20)

	// stride 80: windows at 0, 80, 160, 240
	if len(got) != 4 {
		t.Fatalf("expected 4 windows, got %d", len(got))
	}
	for i, w := range got[:3] {
		if len(w) != 100 {
			t.Errorf("window %d: length %d, want 100", i, len(w))
		}
	}
	if len(got[3]) != 10 {
		t.Errorf("final window: length %d, want 10", len(got[3]))
	}

	// Consecutive windows share the overlap region.
	if got[0][80:] != got[1][:20] {
		t.Error("windows 0 and 1 do not overlap by 20 chars")
	}
}

func TestSplitRuneSafety(t *testing.T) {
	text := strings.Repeat("ä", 150)
	for _, w := range Split(text, 100, 20) {
		if strings.ContainsRune(w, '�') {
			t.Error("window contains a broken rune")
		}
	}
}

func TestFileIDStable(t *testing.T) {
	a := FileID("contracts/2024/nda.pdf", 3)
	b := FileID("contracts/2024/nda.pdf", 3)
	if a != b {
		t.Errorf("ids differ for identical input: %s vs %s", a, b)
	}
	if !strings.HasSuffix(a, ":3") {
		t.Errorf("id %s does not end in chunk index", a)
	}
	if prefix := strings.Split(a, ":")[0]; len(prefix) != 16 {
		t.Errorf("hash prefix %q has length %d, want 16", prefix, len(prefix))
	}
}

func TestArchiveIDFormat(t *testing.T) {
	got := ArchiveID("deadbeef", "a/b/c.txt", 2)
	if got != "deadbeef:a/b/c.txt:2" {
		t.Errorf("ArchiveID() = %q", got)
	}
}

func TestFileChunks(t *testing.T) {
	text := strings.Repeat("word ", 600)
	chunks := File("reports/q3.txt", "hash1", text, 1200, 180)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.FileHash != "hash1" {
			t.Errorf("chunk %d has file hash %q", i, c.FileHash)
		}
		if c.Metadata["path"] != "reports/q3.txt" {
			t.Errorf("chunk %d has path metadata %q", i, c.Metadata["path"])
		}
	}
}
