// Package security provides small security utilities shared across the node:
// constant-time comparison and zeroing of key material.
package security

import (
	"crypto/subtle"
)

// ConstantTimeCompare compares two byte slices in constant time.
// Returns false if the lengths differ.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites the slice with zero bytes. Call this on key material
// before releasing it.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
