package core

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
)

// CloneMap returns a shallow copy of src, or nil when src is nil.
func CloneMap[K comparable, V any](src map[K]V) map[K]V {
	if src == nil {
		return nil
	}
	dst := make(map[K]V, len(src))
	maps.Copy(dst, src)
	return dst
}

// HashText returns the hex sha256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CloneVector copies an embedding so callers cannot alias stored vectors.
func CloneVector(src []float32) []float32 {
	if src == nil {
		return nil
	}
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}
