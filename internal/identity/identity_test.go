package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHash_MatchesTextHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "letter.pdf")
	require.NoError(t, os.WriteFile(path, []byte("obsolescence notice"), 0o644))

	got, err := FileHash(path)
	require.NoError(t, err)
	assert.Equal(t, TextHash("obsolescence notice"), got)
}

func TestFileHash_MissingFile(t *testing.T) {
	_, err := FileHash(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}

func TestTextHash_Deterministic(t *testing.T) {
	assert.Equal(t, TextHash("Galaxy 6000"), TextHash("Galaxy 6000"))
	assert.NotEqual(t, TextHash("Galaxy 6000"), TextHash("Galaxy 3000"))
	// Known SHA-256 of the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		TextHash(""))
}

func TestPromptConfigHash_OrderIndependent(t *testing.T) {
	a := map[string]interface{}{"version": "v2.3", "extract": "sys", "rerank": "sys2"}
	b := map[string]interface{}{"rerank": "sys2", "extract": "sys", "version": "v2.3"}

	ha, err := PromptConfigHash(a)
	require.NoError(t, err)
	hb, err := PromptConfigHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestPromptConfigHash_SensitiveToValues(t *testing.T) {
	base := map[string]interface{}{"version": "v2.3", "system": "a"}
	changed := map[string]interface{}{"version": "v2.4", "system": "a"}

	hBase, err := PromptConfigHash(base)
	require.NoError(t, err)
	hChanged, err := PromptConfigHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, hBase, hChanged)
}

func TestPromptConfigHash_NestedStructs(t *testing.T) {
	type tmpl struct {
		Name   string `json:"name"`
		System string `json:"system"`
	}
	type cfg struct {
		Version string `json:"version"`
		Extract tmpl   `json:"extract"`
	}

	h1, err := PromptConfigHash(cfg{Version: "v1", Extract: tmpl{Name: "e", System: "s"}})
	require.NoError(t, err)
	h2, err := PromptConfigHash(cfg{Version: "v1", Extract: tmpl{Name: "e", System: "s"}})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestProcessingSignature(t *testing.T) {
	h := TextHash("content")
	p := TextHash("prompts")

	sig := ProcessingSignature(h, p)
	assert.Equal(t, sig, ProcessingSignature(h, p))
	assert.NotEqual(t, sig, ProcessingSignature(h, TextHash("other prompts")))
	assert.NotEqual(t, sig, ProcessingSignature(TextHash("other content"), p))
	// The separator keeps (ab, c) and (a, bc) apart.
	assert.NotEqual(t, ProcessingSignature("ab", "c"), ProcessingSignature("a", "bc"))
}
