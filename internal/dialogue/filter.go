package dialogue

import (
	"regexp"
	"strings"
)

// Patterns removed from model replies before they are spoken. Tool names,
// JSON fragments and stage directions occasionally leak into the text
// channel even with tool calling enabled.
var (
	toolNameRe  = regexp.MustCompile(`(?i)\b(update_qualification|set_call_outcome)\b\s*(\([^)]*\))?`)
	jsonFragRe  = regexp.MustCompile(`\{[^{}]*("[a-z_]+"\s*:)[^{}]*\}`)
	stageDirRe  = regexp.MustCompile(`\*[^*]{1,60}\*`)
	codeFenceRe = regexp.MustCompile("`+[^`]*`+")
	spaceRe     = regexp.MustCompile(`\s+`)
)

// sanitizeReply strips tool names, JSON-ish fragments and markup from a
// reply, then collapses whitespace.
func sanitizeReply(text string) string {
	text = toolNameRe.ReplaceAllString(text, "")
	text = jsonFragRe.ReplaceAllString(text, "")
	text = stageDirRe.ReplaceAllString(text, "")
	text = codeFenceRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
