// Package content splits stored message bodies into typed segments for rendering.
package content

import (
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

type Segment struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	AltText string `json:"alt_text,omitempty"`
}

// imageRe matches markdown images. The URL may be wrapped in <>, "" or '' and may hold
// one level of balanced parentheses.
var imageRe = regexp.MustCompile(`!\[([^\]\n]*)\]\(\s*((?:[^()\n]|\([^()\n]*\))*?)\s*\)`)

const urlQuotes = `<>"'`

// Parse is total and order preserving: every byte of body lands in exactly one segment.
// A candidate image whose URL is not an absolute http(s) URL stays text.
func Parse(body string) []Segment {
	segs := make([]Segment, 0, 1)
	appendText := func(s string) {
		if s == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].Kind == KindText {
			segs[n-1].Content += s
			return
		}
		segs = append(segs, Segment{Kind: KindText, Content: s})
	}

	last := 0
	for _, loc := range imageRe.FindAllStringSubmatchIndex(body, -1) {
		appendText(body[last:loc[0]])
		last = loc[1]

		alt := body[loc[2]:loc[3]]
		raw := strings.Trim(body[loc[4]:loc[5]], urlQuotes)
		if !IsWebURL(raw) {
			appendText(body[loc[0]:loc[1]])
			continue
		}
		segs = append(segs, Segment{Kind: KindImage, Content: raw, AltText: alt})
	}
	appendText(body[last:])
	return segs
}

// IsWebURL accepts only absolute http/https URLs with a host. Anything else
// (javascript:, data:, relative paths) is rejected.
func IsWebURL(raw string) bool {
	if raw == "" || strings.ContainsAny(raw, " \t\n") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Render rebuilds markdown from segments. For any body, Render(Parse(body)) equals body
// except for URL quoting characters and padding inside image parentheses.
func Render(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Kind == KindImage {
			b.WriteString("![" + s.AltText + "](" + s.Content + ")")
			continue
		}
		b.WriteString(s.Content)
	}
	return b.String()
}

// Images returns the URLs of all image segments in order.
func Images(segs []Segment) []string {
	var out []string
	for _, s := range segs {
		if s.Kind == KindImage {
			out = append(out, s.Content)
		}
	}
	return out
}
