package core

import "strings"

// Sanitize keeps printable ASCII and newlines from raw container output and
// trims surrounding whitespace. Multi-byte sequences are dropped byte by byte.
func Sanitize(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\n' || (b >= 0x20 && b <= 0x7e) {
			out = append(out, b)
		}
	}
	return strings.TrimSpace(string(out))
}
