package utils

import (
	"crypto/md5"
	"encoding/hex"
)

// ContentHash is the hex md5 of b, used as an ETag for file-backed resources.
func ContentHash(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
