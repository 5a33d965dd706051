package injection

import (
	"regexp"
	"strings"
	"unicode"
)

var delimiterTokenRe = regexp.MustCompile(
	`<\|im_start\|>|<\|im_end\|>|<\|endoftext\|>|(?i)\[/?INST\]|<</?SYS>>|(?i)</?\s*(system|assistant)\s*>`,
)

// Sanitize strips known delimiter/markup tokens and control characters from
// text. This is explicitly opt-in for callers that need to pass flagged text
// downstream anyway (e.g. quoting it in an escalation ticket). It is NOT a
// substitute for blocking: a blocked result stays blocked whether or not the
// text is sanitized.
func Sanitize(text string) string {
	out := delimiterTokenRe.ReplaceAllString(text, " ")

	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
