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

package tenant

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoTenants = `
tenants:
  - name: Acme Corp
    short_name: acme
    document_root: /srv/docs/acme
    es_index: acme-docs
    chroma_prefix: acme
    glossary:
      AGB: Allgemeine Geschaeftsbedingungen
  - name: Beta GmbH
    short_name: beta
    document_root: /srv/docs/beta
    es_index: beta-docs
    chroma_prefix: beta
`

func writeTenants(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	reg, err := LoadFile(writeTenants(t, twoTenants), "beta")
	require.NoError(t, err)

	assert.Equal(t, "beta", reg.Active().ShortName)
	assert.Len(t, reg.All(), 2)

	acme, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, "acme-docs", acme.ESIndex)
	assert.Equal(t, "Allgemeine Geschaeftsbedingungen", acme.Glossary["AGB"])
}

func TestLoadFileDefaultsToFirstSorted(t *testing.T) {
	reg, err := LoadFile(writeTenants(t, twoTenants), "")
	require.NoError(t, err)
	assert.Equal(t, "acme", reg.Active().ShortName)
}

func TestLoadFileUnknownActive(t *testing.T) {
	_, err := LoadFile(writeTenants(t, twoTenants), "nope")
	assert.Error(t, err)
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	dup := twoTenants + `
  - name: Acme Again
    short_name: acme
    document_root: /srv/docs/other
    es_index: other
    chroma_prefix: other
`
	_, err := LoadFile(writeTenants(t, dup), "")
	assert.Error(t, err)
}

func TestLoadFileRejectsIncompleteTenant(t *testing.T) {
	_, err := LoadFile(writeTenants(t, `
tenants:
  - short_name: broken
    es_index: broken-docs
`), "")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	reg, err := LoadFile(writeTenants(t, twoTenants), "acme")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	got, err := reg.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ShortName)

	req.Header.Set(HeaderName, "beta")
	got, err = reg.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "beta", got.ShortName)

	req.Header.Set(HeaderName, "ghost")
	_, err = reg.Resolve(req)
	assert.Error(t, err)
}

func TestCollection(t *testing.T) {
	tn := &Tenant{ChromaPrefix: "acme"}
	assert.Equal(t, "acme_default", tn.Collection(""))
	assert.Equal(t, "acme_contracts", tn.Collection("contracts"))
}
