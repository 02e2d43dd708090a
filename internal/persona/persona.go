// Package persona substitutes persona variables into character template text.
package persona

import (
	"regexp"
	"strings"
)

// Names are the values substituted for the user and character variables.
type Names struct {
	User string
	Char string
}

const (
	DefaultUserName = "User"
	DefaultCharName = "Character"
)

// placeholderRe matches {{user}} / {{char}} (any case, optional inner spaces) and the
// <USER> / <BOT> / <CHAR> forms found in imported character cards.
var placeholderRe = regexp.MustCompile(`(?i)\{\{\s*(user|char)\s*\}\}|<(user|bot|char)>`)

// WithDefaults fills empty names with DefaultUserName / DefaultCharName.
func (n Names) WithDefaults() Names {
	if strings.TrimSpace(n.User) == "" {
		n.User = DefaultUserName
	}
	if strings.TrimSpace(n.Char) == "" {
		n.Char = DefaultCharName
	}
	return n
}

// Resolve replaces every placeholder in text. Empty names fall back to defaults.
func Resolve(text string, n Names) string {
	if text == "" {
		return text
	}
	n = n.WithDefaults()
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if strings.EqualFold(name, "user") {
			return n.User
		}
		return n.Char
	})
}

// HasPlaceholders reports whether text still contains an unresolved variable.
func HasPlaceholders(text string) bool {
	return placeholderRe.MatchString(text)
}

// Pattern exposes the placeholder expression so other passes can share it.
func Pattern() *regexp.Regexp { return placeholderRe }
