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
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// PPTX extracts per-slide text under a slide header line, in slide order.
func PPTX(ctx context.Context, data []byte, name string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PPTX: %w", err)
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideName.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var parts []string
	for _, s := range slides {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		rc, err := s.file.Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		text := drawingMLToText(raw)
		if text != "" {
			parts = append(parts, fmt.Sprintf("--- Slide %d ---\n%s", s.num, text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no extractable text in %s (%d slides)", name, len(slides))
	}
	return strings.Join(parts, "\n\n"), nil
}

// drawingMLToText collects the a:t runs of a slide, one paragraph per line.
func drawingMLToText(raw []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		lines []string
		line  strings.Builder
		inRun bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				if text := strings.TrimSpace(line.String()); text != "" {
					lines = append(lines, text)
				}
				line.Reset()
			}
		case xml.CharData:
			if inRun {
				line.Write(t)
			}
		}
	}
	if text := strings.TrimSpace(line.String()); text != "" {
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n")
}
