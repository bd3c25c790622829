// Package hashing derives the stable identifiers used to name zipballs.
package hashing

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// Data returns the hex md5 digest of the parts fed in order.
func Data(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
