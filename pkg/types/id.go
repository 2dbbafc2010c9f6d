package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NewID derives the stable identifier for a record from its kind and
// content. Identical content stored under the same kind always maps to the
// same ID, which is what makes ID-collision-with-different-content a
// detectable conflict rather than silent duplication.
func NewID(kind Kind, content string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + content))
	return "semem:" + hex.EncodeToString(sum[:16])
}

// NamespacedID derives a provider-namespaced identifier for enhancement
// records so they can never collide with user content IDs. The key is the
// provider's own stable handle for the result (an article title, an entity
// ID, a question hash), folded to lowercase.
func NamespacedID(provider, key string) string {
	return provider + ":" + strings.ToLower(key)
}
