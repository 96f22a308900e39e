// Package identity provides random instance and token identifiers.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

var (
	instanceOnce sync.Once
	instanceID   string
)

// Instance returns this process's stable random identity, generated once
// at first use. Lease ownership and allocator locks are keyed by it.
func Instance() string {
	instanceOnce.Do(func() {
		instanceID = WithPrefix("inst_")
	})
	return instanceID
}

// WithPrefix generates a random ID with a prefix (e.g. "inst_", "intent_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
