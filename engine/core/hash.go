package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ETagFromAny fingerprints v by hashing its JSON form. Map keys are emitted in
// sorted order, so equal maps produce equal tags regardless of build order.
// Values that cannot be marshaled fall back to their %#v rendering.
func ETagFromAny(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = fmt.Appendf(nil, "%#v", v)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
