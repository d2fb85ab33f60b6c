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
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/richardlehane/mscfb"
	"golang.org/x/text/encoding/unicode"
)

// MAPI property streams inside an Outlook MSG compound file. The suffix
// encodes the value type: 001F is UTF-16LE, 001E is 8-bit.
const (
	propSubject   = "0037"
	propSender    = "0C1A"
	propDisplayTo = "0E04"
	propBody      = "1000"
	propTransport = "007D"
)

// MSG extracts an Outlook message: normalized header block followed by
// the plain-text body.
func MSG(_ context.Context, data []byte, name string) (string, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open MSG compound file: %w", err)
	}

	props := make(map[string]string)
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		id, typ, ok := parseSubstgName(entry.Name)
		if !ok {
			continue
		}
		raw := make([]byte, entry.Size)
		n, _ := io.ReadFull(entry, raw)
		props[id] = decodeMAPIString(raw[:n], typ)
	}

	body := props[propBody]
	if props[propSubject] == "" && body == "" {
		return "", fmt.Errorf("no subject or body streams in %s", name)
	}

	date := dateFromTransportHeaders(props[propTransport])
	header := headerBlock(props[propSubject], props[propSender], props[propDisplayTo], date)
	return header + "\n" + body, nil
}

// parseSubstgName splits a stream name like __substg1.0_0037001F into
// property id and type.
func parseSubstgName(name string) (id, typ string, ok bool) {
	const prefix = "__substg1.0_"
	if !strings.HasPrefix(name, prefix) || len(name) < len(prefix)+8 {
		return "", "", false
	}
	tag := name[len(prefix) : len(prefix)+8]
	return tag[:4], tag[4:], true
}

func decodeMAPIString(raw []byte, typ string) string {
	if typ == "001F" {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		if decoded, err := dec.Bytes(raw); err == nil {
			return strings.TrimRight(string(decoded), "\x00")
		}
		return ""
	}
	return strings.TrimRight(string(raw), "\x00")
}

func dateFromTransportHeaders(headers string) string {
	for _, line := range strings.Split(headers, "\n") {
		if rest, found := strings.CutPrefix(strings.TrimSpace(line), "Date:"); found {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// eml extracts an RFC 5322 message: normalized header block, body text,
// then recursively extracted attachments. Attachments dispatch back
// through the registry, so a PDF attached to a mail uses the PDF handler.
func (r *Registry) eml(ctx context.Context, data []byte, name string) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse EML: %w", err)
	}

	wd := &mime.WordDecoder{}
	decodeHeader := func(key string) string {
		v := msg.Header.Get(key)
		if decoded, err := wd.DecodeHeader(v); err == nil {
			return decoded
		}
		return v
	}

	var b strings.Builder
	b.WriteString(headerBlock(
		decodeHeader("Subject"),
		decodeHeader("From"),
		decodeHeader("To"),
		msg.Header.Get("Date"),
	))
	b.WriteString("\n")

	contentType := msg.Header.Get("Content-Type")
	encoding := msg.Header.Get("Content-Transfer-Encoding")
	if err := r.emlPart(ctx, msg.Body, contentType, encoding, "", &b); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// emlPart renders one MIME part into b, descending into multiparts.
func (r *Registry) emlPart(ctx context.Context, body io.Reader, contentType, encoding, filename string, b *strings.Builder) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				// A malformed trailing part does not void what was
				// already extracted.
				return nil
			}
			err = r.emlPart(ctx,
				part,
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"),
				part.FileName(),
				b)
			part.Close()
			if err != nil {
				return err
			}
		}
	}

	raw, err := io.ReadAll(decodeTransfer(body, encoding))
	if err != nil {
		return nil
	}

	switch {
	case filename != "":
		if text := r.ExtractBytes(ctx, raw, filename); text != "" {
			fmt.Fprintf(b, "--- Attachment: %s ---\n%s\n", filename, text)
		}
	case mediaType == "text/plain":
		text, err := Text(ctx, raw, "")
		if err == nil && strings.TrimSpace(text) != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	case mediaType == "text/html":
		text, err := HTML(ctx, raw, "")
		if err == nil && strings.TrimSpace(text) != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return nil
}

func decodeTransfer(body io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		return quotedprintable.NewReader(body)
	default:
		return body
	}
}
