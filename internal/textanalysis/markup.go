package textanalysis

import (
	"regexp"
	"strings"
)

var (
	imageRe      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	strongRe     = regexp.MustCompile(`(\*\*|__)(\S(?:[^*_]*?\S)?)(\*\*|__)`)
	emRe         = regexp.MustCompile(`(^|[\s(])[*_](\S(?:[^*_]*?\S)?)[*_]`)
	headingRe    = regexp.MustCompile(`^\s{0,3}#{1,6}\s*`)
	listRe       = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	quoteRe      = regexp.MustCompile(`^\s*>+\s?`)
	ruleRe       = regexp.MustCompile(`^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)
	htmlTagRe    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// CleanMarkup strips lightweight markdown so that only prose remains.
// Fenced code blocks are dropped entirely; heading markers, emphasis,
// list bullets and link syntax are removed while their text is kept.
func CleanMarkup(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || ruleRe.MatchString(line) {
			continue
		}
		line = headingRe.ReplaceAllString(line, "")
		line = quoteRe.ReplaceAllString(line, "")
		line = listRe.ReplaceAllString(line, "")
		line = imageRe.ReplaceAllString(line, "")
		line = linkRe.ReplaceAllString(line, "$1")
		line = inlineCodeRe.ReplaceAllString(line, "$1")
		line = strongRe.ReplaceAllString(line, "$2")
		line = emRe.ReplaceAllString(line, "$1$2")
		line = htmlTagRe.ReplaceAllString(line, "")
		line = strings.ReplaceAll(line, "~~", "")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
