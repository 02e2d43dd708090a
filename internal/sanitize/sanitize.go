// Package sanitize post-processes raw model output before it is committed to a room.
//
// The rules run in a fixed order and later rules assume earlier ones already ran:
//
//  1. directives   internal directive blocks are removed first so their contents never
//                  reach the line based echo rule.
//  2. echo         speaker-tag + quoted dialogue lines (and adjacent repeats) are dropped.
//                  Placeholders are still unresolved here, so {{char}}: "..." is caught too.
//  3. images       attribute-only image residue is stripped; valid ![alt](url) is kept.
//  4. placeholders leaked {{user}} / {{char}} tokens are resolved with the prompt's names.
//  5. whitespace   3+ blank lines collapse to 2, then the text is trimmed.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/suPer8Hu/character-chat/internal/persona"
)

// Rule is one pure transform of the pipeline.
type Rule struct {
	Name  string
	Apply func(text string, names persona.Names) string
}

const directiveLabels = `system|internal|directive|ooc|thinking`

var (
	fencedDirectiveRe  = regexp.MustCompile("(?is)```[ \\t]*(?:" + directiveLabels + ")\\b.*?(?:```|\\z)")
	taggedDirectiveRe  = regexp.MustCompile(`(?is)<(?:` + directiveLabels + `)>.*?</(?:` + directiveLabels + `)>`)
	bracketDirectiveRe = regexp.MustCompile(`(?i)\[(?:` + directiveLabels + `)(?:[ \t]+note)?[ \t]*:[^\]]*\]`)
	oocParenRe         = regexp.MustCompile(`(?i)\(\([ \t]*ooc[ \t]*:[^)]*\)\)`)

	imageRe        = regexp.MustCompile(`!\[([^\]\n]*)\](\((?:[^()\n]|\([^()\n]*\))*\))?(\{[^}\n]*\})?`)
	attrResidueRe  = regexp.MustCompile(`(?i)\{[ \t]*(?:width|height|style|align|class)[ \t]*[=:][^}\n]*\}`)
	blankRunRe     = regexp.MustCompile(`\n(?:[ \t]*\n){3,}`)
	trailingWSRe   = regexp.MustCompile(`[ \t]+\n`)
)

var rules = []Rule{
	{Name: "directives", Apply: stripDirectives},
	{Name: "echo", Apply: stripEchoes},
	{Name: "images", Apply: stripBrokenImages},
	{Name: "placeholders", Apply: persona.Resolve},
	{Name: "whitespace", Apply: normalizeWhitespace},
}

// Rules returns the pipeline in execution order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Result is the sanitized text plus the names of the rules that changed it.
type Result struct {
	Text  string
	Fired []string
}

// Apply runs the pipeline until the text stops changing. A single pass can expose new
// matches (e.g. removing a directive joins two echo lines), so iterating to a fixed point
// is what makes Sanitize idempotent. Every pass after the first must shorten the text,
// which bounds the loop.
func Apply(text string, names persona.Names) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Text: strings.TrimSpace(text)}
		}
	}()

	fired := map[string]bool{}
	cur := text
	for pass := 0; ; pass++ {
		next := cur
		for _, r := range rules {
			out := r.Apply(next, names)
			if out != next {
				fired[r.Name] = true
			}
			next = out
		}
		if next == cur || (pass > 0 && len(next) >= len(cur)) {
			break
		}
		cur = next
	}

	for _, r := range rules {
		if fired[r.Name] {
			res.Fired = append(res.Fired, r.Name)
		}
	}
	res.Text = cur
	return res
}

// Sanitize never fails; in the worst case it returns the input trimmed.
func Sanitize(text string, names persona.Names) string {
	return Apply(text, names).Text
}

// NeedsSanitization reports whether any rule would change text. It is meant for
// diagnostics and evaluates the same rule set Sanitize runs.
func NeedsSanitization(text string, names persona.Names) bool {
	for _, r := range rules {
		if r.Apply(text, names) != text {
			return true
		}
	}
	return false
}

func stripDirectives(text string, _ persona.Names) string {
	text = fencedDirectiveRe.ReplaceAllString(text, "")
	text = taggedDirectiveRe.ReplaceAllString(text, "")
	text = bracketDirectiveRe.ReplaceAllString(text, "")
	return oocParenRe.ReplaceAllString(text, "")
}

// echoPattern matches whole lines of the form `Name: "dialogue"` for the character, the
// user, or their raw placeholders. Bold/italic markers around the tag are tolerated.
func echoPattern(names persona.Names) *regexp.Regexp {
	names = names.WithDefaults()
	alts := []string{`\{\{\s*char\s*\}\}`, `\{\{\s*user\s*\}\}`}
	seen := map[string]bool{}
	for _, n := range []string{names.Char, names.User} {
		n = strings.TrimSpace(n)
		if n == "" || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		alts = append(alts, regexp.QuoteMeta(n))
	}
	return regexp.MustCompile(`(?im)^[ \t]*\*{0,2}(?:` + strings.Join(alts, "|") +
		`)\*{0,2}[ \t]*:[ \t]*["“][^\n]*["”][ \t]*(?:\r?\n|\z)`)
}

func stripEchoes(text string, names persona.Names) string {
	return echoPattern(names).ReplaceAllString(text, "")
}

func stripBrokenImages(text string, _ persona.Names) string {
	text = imageRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := imageRe.FindStringSubmatch(m)
		target := sub[2]
		if len(target) < 2 || strings.TrimSpace(target[1:len(target)-1]) == "" {
			return ""
		}
		return "![" + sub[1] + "]" + target
	})
	return attrResidueRe.ReplaceAllString(text, "")
}

func normalizeWhitespace(text string, _ persona.Names) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = trailingWSRe.ReplaceAllString(text, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}
