// Package security keeps configuration-supplied identifiers from steering
// artefact paths.
package security

import "strings"

// maxFilenameLen bounds sanitized names.
const maxFilenameLen = 128

// SanitizeFilename maps an experiment tag or artefact name to a single path
// element. Runs of characters outside [A-Za-z0-9._-] become one underscore;
// leading and trailing dots and underscores are trimmed, so the result can
// never be "." or "..". An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
		if !ok {
			pending = true
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
