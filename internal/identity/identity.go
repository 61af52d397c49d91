// Package identity derives the content hashes that gate incremental
// reprocessing: file and text hashes, the prompt-config hash, and the
// composite processing signature.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// FileHash returns the SHA-256 hex digest of the file at path. The file is
// streamed so documents larger than memory are safe to hash.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// TextHash returns the SHA-256 hex digest of a string.
func TextHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PromptConfigHash returns the SHA-256 hex digest of a canonical JSON
// serialization of cfg. Map keys are sorted recursively, so two configs with
// the same values always hash identically regardless of field order.
func PromptConfigHash(cfg interface{}) (string, error) {
	canonical, err := canonicalJSON(cfg)
	if err != nil {
		return "", fmt.Errorf("canonicalize prompt config: %w", err)
	}
	return TextHash(canonical), nil
}

// ProcessingSignature combines a content hash and a prompt-config hash into
// the composite natural key for "have we processed these bytes with these
// prompts already".
func ProcessingSignature(contentHash, promptConfigHash string) string {
	return TextHash(contentHash + "::" + promptConfigHash)
}

// canonicalJSON marshals v into JSON with all object keys sorted.
func canonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	}
}
