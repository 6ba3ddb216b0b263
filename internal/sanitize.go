package conduit

import (
	"strings"
	"unicode/utf8"
)

// maxLoggedLen caps sanitized log values. Truncation applies to logged
// fields only, never to forwarded payloads.
const maxLoggedLen = 1000

// SanitizeLog strips CR/LF and control characters from a value destined for
// a log line and truncates it to 1000 bytes on a rune boundary. It is
// idempotent: SanitizeLog(SanitizeLog(s)) == SanitizeLog(s).
func SanitizeLog(s string) string {
	var b *strings.Builder
	for i, r := range s {
		if r < 0x20 || r == 0x7f {
			if b == nil {
				b = &strings.Builder{}
				b.Grow(len(s))
				b.WriteString(s[:i])
			}
			continue
		}
		if b != nil {
			b.WriteRune(r)
		}
	}
	if b != nil {
		s = b.String()
	}
	if len(s) > maxLoggedLen {
		n := maxLoggedLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}
