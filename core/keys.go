package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CacheKey derives the deterministic exact-match key for a stage input: a
// SHA-256 digest over the capability tag and the canonical (compacted) JSON
// payload. Two stages with the same capability and semantically identical
// payloads always derive the same key, so reruns hit the cache regardless of
// payload whitespace.
func CacheKey(capability TaskType, payload []byte) string {
	canonical := payload
	if json.Valid(payload) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err == nil {
			canonical = buf.Bytes()
		}
	}

	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte("::"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
