package treefs

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 80

// reserved device names on Windows checkouts; keep exported trees portable.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {},
}

// SanitizeName turns an arbitrary node or card title into a safe single
// path element.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	cleaned = strings.Trim(cleaned, ".")
	if len(cleaned) > maxNameLength {
		cut := maxNameLength
		// back up to a rune boundary so the cap never splits a multi-byte rune
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimSpace(cleaned[:cut])
	}
	if cleaned == "" {
		return "untitled"
	}
	if _, ok := reservedNames[strings.ToLower(cleaned)]; ok {
		return cleaned + "_"
	}
	return cleaned
}

// uniqueName suffixes a sanitized name until it is unused within its parent,
// recording the final choice in taken.
func uniqueName(base string, taken map[string]struct{}) string {
	name := base
	for i := 2; ; i++ {
		if _, exists := taken[strings.ToLower(name)]; !exists {
			taken[strings.ToLower(name)] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}
