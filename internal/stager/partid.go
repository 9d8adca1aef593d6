package stager

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// PartID derives the part reference for a chunk from its session ID and
// index. The encoding is deterministic: retrying the same chunk produces the
// same reference, and the zero-padded index keeps lexicographic order equal
// to chunk order. URL-safe base64 keeps the reference usable inside object
// keys and file names.
func PartID(sessionID string, index int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s_%08d", sessionID, index)))
}

// ParsePartID decodes a part reference back into its session ID and chunk
// index.
func ParsePartID(partRef string) (sessionID string, index int, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(partRef)
	if err != nil {
		return "", 0, fmt.Errorf("malformed part reference: %w", err)
	}

	i := strings.LastIndexByte(string(raw), '_')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed part reference %q", partRef)
	}

	index, err = strconv.Atoi(string(raw[i+1:]))
	if err != nil {
		return "", 0, fmt.Errorf("malformed part reference %q: %w", partRef, err)
	}

	return string(raw[:i]), index, nil
}
