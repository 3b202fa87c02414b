package router

import (
	"errors"
	"fmt"
	"strings"
)

var errMalformedETag = errors.New("malformed entity tag")

// IfNoneMatch reports whether an If-None-Match header matches the current
// entity tag of a representation. Comparison is weak: W/ prefixes are ignored.
// "*" matches any existing representation and an empty header matches nothing.
func IfNoneMatch(header, current string) (bool, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return false, nil
	}
	if raw == "*" {
		return true, nil
	}
	matched := false
	for _, entry := range strings.Split(raw, ",") {
		tag, err := opaqueTag(entry)
		if err != nil {
			return false, err
		}
		if tag == current {
			matched = true
		}
	}
	return matched, nil
}

// opaqueTag strips the weak prefix and quotes from one list entry.
func opaqueTag(entry string) (string, error) {
	entry = strings.TrimPrefix(strings.TrimSpace(entry), "W/")
	if len(entry) < 3 || entry[0] != '"' || entry[len(entry)-1] != '"' {
		return "", fmt.Errorf("%w: %q", errMalformedETag, entry)
	}
	inner := entry[1 : len(entry)-1]
	if strings.ContainsRune(inner, '"') {
		return "", fmt.Errorf("%w: %q", errMalformedETag, entry)
	}
	return inner, nil
}
