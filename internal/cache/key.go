package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Key returns the cache key for a raw request body: the SHA-256 hex digest of
// the body's canonical JSON re-serialization. Decoding and re-encoding gives a
// stable key ordering, so textually different but structurally identical
// bodies map to the same entry. The full body is hashed — wrapper and
// operation metadata included — so two transport shapes carrying the same
// logical messages do not share an entry.
func Key(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			body = canonical
		}
	}
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
