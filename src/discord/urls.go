package discord

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s\[\]()<>]+`)

// WrapURLsNoEmbed wraps URLs in angle brackets to prevent Discord embeds.
// URLs that are already wrapped are left alone.
func WrapURLsNoEmbed(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		url := strings.TrimRight(text[start:end], ".,;:!?)")
		b.WriteString(text[last:start])
		if start > 0 && text[start-1] == '<' {
			b.WriteString(text[start:end])
		} else {
			b.WriteString("<" + url + ">" + text[start+len(url):end])
		}
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}
