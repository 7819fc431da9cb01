// Package security masks credentials before they reach logs, notifications
// or terminal output.
package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credentials embedded in free text. Patterns with
// three groups keep the key name and separator and mask only the value.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer|password)([=:\s]+["']?)([^\s"'&]+)`),
	regexp.MustCompile(`(?i)(APCA-API-(?:KEY-ID|SECRET-KEY))(:\s*)(\S+)`),
	regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,})`),
	regexp.MustCompile(`\b((?:PK|AK)[A-Z0-9]{16,})\b`),
}

// MaskCredential keeps enough of a credential to recognize it.
func MaskCredential(value string) string {
	switch n := len(value); {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:2] + strings.Repeat("*", n-2)
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

// Redact masks every credential found in s.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		p := p
		s = p.ReplaceAllStringFunc(s, func(match string) string {
			sub := p.FindStringSubmatch(match)
			if len(sub) == 4 {
				return sub[1] + sub[2] + MaskCredential(sub[3])
			}
			return MaskCredential(sub[1])
		})
	}
	return s
}

// ContainsCredential reports whether s carries anything Redact would mask.
func ContainsCredential(s string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
