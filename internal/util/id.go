// Package util provides the id generation shared by documents and history
// snapshots.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns "<prefix>_<32 hex chars>" of crypto/rand entropy. Document
// ids use prefix "aud", history snapshots "snap"; client ids come from the
// connecting client and are not minted here.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
