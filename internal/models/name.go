package models

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSessionIDLength caps derived ids so the supervised unit name stays well
// under the systemd unit-name limit.
const maxSessionIDLength = 50

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeSessionName derives a stable session id from a human-supplied
// name. Accented characters fold to their ASCII base form, anything outside
// [A-Za-z0-9_] becomes a hyphen, runs of hyphens collapse, and the result is
// trimmed and length-capped. Returns "" when nothing usable remains.
func SanitizeSessionName(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastHyphen := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
			}
			lastHyphen = true
		}
	}

	id := strings.Trim(b.String(), "-")
	if len(id) > maxSessionIDLength {
		id = strings.Trim(id[:maxSessionIDLength], "-")
	}
	return id
}
