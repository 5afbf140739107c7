package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with a type prefix: exam_, pat_, act_,
// sub_, att_, evt_, jti_. The prefix makes ids self-describing in logs and
// in the ledger.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
