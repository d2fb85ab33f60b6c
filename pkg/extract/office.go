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
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// DOCX extracts paragraphs in order and serializes tables row-wise with
// " | " cell separators.
func DOCX(_ context.Context, data []byte, name string) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX: %w", err)
	}
	defer doc.Close()

	text, err := wordXMLToText(doc.Editable().GetContent())
	if err != nil {
		return "", fmt.Errorf("failed to parse DOCX body of %s: %w", name, err)
	}
	return text, nil
}

// wordXMLToText walks WordprocessingML. Paragraphs become lines; table
// rows become "cell | cell | cell" lines.
func wordXMLToText(content string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))

	var (
		out        []string
		paragraph  strings.Builder
		cells      []string
		tableDepth int
		inCell     bool
	)

	flushParagraph := func() {
		text := strings.TrimSpace(paragraph.String())
		paragraph.Reset()
		if text == "" {
			return
		}
		if inCell {
			if len(cells) == 0 {
				cells = append(cells, text)
			} else {
				cells[len(cells)-1] = strings.TrimSpace(cells[len(cells)-1] + " " + text)
			}
			return
		}
		out = append(out, text)
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
			case "tc":
				if tableDepth > 0 {
					inCell = true
					cells = append(cells, "")
				}
			case "tab":
				paragraph.WriteString("\t")
			case "br", "cr":
				paragraph.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				flushParagraph()
			case "tc":
				inCell = false
			case "tr":
				if tableDepth > 0 {
					row := strings.TrimSpace(strings.Join(cells, " | "))
					cells = nil
					if row != "" {
						out = append(out, row)
					}
				}
			case "tbl":
				if tableDepth > 0 {
					tableDepth--
				}
			}
		case xml.CharData:
			paragraph.Write(t)
		}
	}
	flushParagraph()

	return strings.Join(out, "\n"), nil
}

// XLSX serializes each sheet as CSV-like lines under a sheet header.
func XLSX(ctx context.Context, data []byte, name string) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open XLSX: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		var sheet strings.Builder
		fmt.Fprintf(&sheet, "--- Sheet: %s ---\n", sheetName)
		empty := true
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, ","), ",")
			if strings.TrimSpace(line) == "" {
				continue
			}
			sheet.WriteString(line)
			sheet.WriteString("\n")
			empty = false
		}
		if !empty {
			parts = append(parts, strings.TrimRight(sheet.String(), "\n"))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no extractable cells in %s", name)
	}
	return strings.Join(parts, "\n\n"), nil
}
