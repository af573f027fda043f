package narrative

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bookgen/api/internal/textanalysis"
)

// DefaultMarker separates adjacent sections in the assembled document.
const DefaultMarker = "\n\n---\n\n"

// similarityWarnAbove is the paragraph overlap at which a boundary reads as
// repeated.
const similarityWarnAbove = 0.5

var (
	headingRe   = regexp.MustCompile(`^#{1,6}\s+\S`)
	canonicalRe = regexp.MustCompile(`(?i)^##\s+(?:` +
		`(?:prologo|prologue|introduccion|introduction|cronologia|chronology|` +
		`epilogo|epilogue|glosario|glossary|dramatis[\s-]+personae|fuentes|sources)` +
		`(?:\s*[:.\-].*)?` +
		`|(?:capitulo|chapter)\s+\d+\b.*` +
		`)\s*$`)
)

// Section is a named block of the document handed to the transition
// generator.
type Section struct {
	Name string
	Body string
}

// TransitionGenerator validates section boundaries and joins sections.
type TransitionGenerator struct {
	Marker string
}

func NewTransitionGenerator() *TransitionGenerator {
	return &TransitionGenerator{Marker: DefaultMarker}
}

// Join concatenates section bodies with the boundary marker between them.
func (g *TransitionGenerator) Join(sections []Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if body := strings.TrimSpace(s.Body); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, g.marker()) + "\n"
}

func (g *TransitionGenerator) marker() string {
	if g.Marker == "" {
		return DefaultMarker
	}
	return g.Marker
}

// ValidateTransition checks the boundary between prev and next: next must
// open with a header and must not restate the closing paragraph of prev.
func (g *TransitionGenerator) ValidateTransition(prev, next Section) []Issue {
	var issues []Issue
	if !startsWithHeader(next.Body) {
		issues = append(issues, Issue{
			Type:     IssueMissingHeader,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%s does not start with a header", next.Name),
			Sections: []string{prev.Name, next.Name},
		})
	}

	last := lastParagraph(prev.Body)
	first := firstParagraph(next.Body)
	if last == "" || first == "" {
		return issues
	}
	sim := Jaccard(wordSet(last), wordSet(first))
	if sim > similarityWarnAbove {
		issues = append(issues, Issue{
			Type:     IssueRepetitiveTransition,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%s opens with a paragraph %.0f%% similar to the end of %s",
				next.Name, sim*100, prev.Name),
			Sections: []string{prev.Name, next.Name},
			Details:  map[string]any{"similarity": sim},
		})
	}
	return issues
}

// ValidateAll checks every adjacent boundary in order.
func (g *TransitionGenerator) ValidateAll(sections []Section) []Issue {
	var issues []Issue
	for i := 0; i+1 < len(sections); i++ {
		issues = append(issues, g.ValidateTransition(sections[i], sections[i+1])...)
	}
	return issues
}

// NormalizeHeaders rewrites second-level headings naming a canonical
// section (prologue, chapter N, sources...) in Spanish or English to
// first-level headings. Fenced code is left untouched.
func NormalizeHeaders(doc string) string {
	lines := strings.Split(doc, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(trimmed, "## ") {
			continue
		}
		if canonicalRe.MatchString(textanalysis.FoldDiacritics(trimmed)) {
			lines[i] = "#" + strings.TrimPrefix(trimmed, "##")
		}
	}
	return strings.Join(lines, "\n")
}

// Heading is an ATX heading found in a document.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Headings scans doc for ATX headings outside fenced code.
func Headings(doc string) []Heading {
	var out []Heading
	inFence := false
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || !headingRe.MatchString(trimmed) {
			continue
		}
		level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		out = append(out, Heading{Level: level, Text: strings.TrimSpace(trimmed[level:])})
	}
	return out
}

func firstParagraph(body string) string {
	for _, p := range Paragraphs(body) {
		if !headingRe.MatchString(p) {
			return p
		}
	}
	return ""
}

func lastParagraph(body string) string {
	ps := Paragraphs(body)
	for i := len(ps) - 1; i >= 0; i-- {
		if !headingRe.MatchString(ps[i]) {
			return ps[i]
		}
	}
	return ""
}
