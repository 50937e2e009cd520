// Package sanitize normalizes externally supplied strings before they are
// used as resource names or shown to users.
package sanitize

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// identMaxLen keeps sanitized identifiers short enough to compose into
// DNS-1123 labels (63 chars) after prefixes like "worker-".
const identMaxLen = 40

// Ident maps an arbitrary user identifier to a string safe for queue names
// and workload object names: lowercase [a-z0-9-], no leading/trailing or
// repeated dashes, at most 40 characters. The mapping is deterministic so
// the same user always resolves to the same resource names.
func Ident(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := true // suppress leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
		if b.Len() >= identMaxLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		// Nothing usable survived; fall back to a stable hash of the input.
		h := fnv.New32a()
		h.Write([]byte(s))
		out = fmt.Sprintf("u%08x", h.Sum32())
	}
	return out
}

// Text strips control characters from user-supplied text and caps its
// length. Newlines and tabs survive; prompts are multi-line.
func Text(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
