package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewID returns an identifier with a millisecond time component followed by
// random hex, so ids of the same kind sort roughly by creation time.
func NewID(prefix string) string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	id := strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
