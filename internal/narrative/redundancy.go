package narrative

import (
	"fmt"
	"regexp"
	"strings"
)

// MinParagraphWords is the shortest paragraph considered for duplicate
// detection.
const MinParagraphWords = 10

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// Redundancy records a paragraph that appears verbatim in two chapters.
type Redundancy struct {
	FirstChapter     int    `json:"first_chapter"`
	DuplicateChapter int    `json:"duplicate_chapter"`
	Paragraph        string `json:"paragraph"`
}

// Paragraphs splits text on blank lines, dropping empty paragraphs.
func Paragraphs(text string) []string {
	raw := paragraphSplit.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeParagraph lowercases and collapses whitespace.
func normalizeParagraph(p string) string {
	return strings.Join(strings.Fields(strings.ToLower(p)), " ")
}

// RedundancyReport lists cross-chapter duplicates and the number of
// paragraphs examined.
type RedundancyReport struct {
	Redundancies []Redundancy `json:"redundancies"`
	Issues       []Issue      `json:"issues"`
	Paragraphs   int          `json:"paragraphs"`
}

// Ratio is the share of eligible paragraphs that duplicate an earlier one.
func (r RedundancyReport) Ratio() float64 {
	if r.Paragraphs == 0 {
		return 0
	}
	return float64(len(r.Redundancies)) / float64(r.Paragraphs)
}

// DetectRedundancy finds paragraphs of at least MinParagraphWords words that
// occur in more than one chapter. Each later occurrence is reported once
// against the first chapter containing it.
func DetectRedundancy(chapters []Chapter) RedundancyReport {
	var report RedundancyReport
	firstSeen := make(map[string]int)
	for _, ch := range chapters {
		inChapter := make(map[string]struct{})
		for _, p := range Paragraphs(ch.Body) {
			norm := normalizeParagraph(p)
			if len(strings.Fields(norm)) < MinParagraphWords || headingRe.MatchString(p) {
				continue
			}
			report.Paragraphs++
			if _, dup := inChapter[norm]; dup {
				continue
			}
			inChapter[norm] = struct{}{}
			first, ok := firstSeen[norm]
			if !ok {
				firstSeen[norm] = ch.Number
				continue
			}
			report.Redundancies = append(report.Redundancies, Redundancy{
				FirstChapter:     first,
				DuplicateChapter: ch.Number,
				Paragraph:        norm,
			})
			report.Issues = append(report.Issues, Issue{
				Type:     IssueExactDuplicate,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("chapter %d repeats a paragraph from chapter %d", ch.Number, first),
				Chapters: []int{first, ch.Number},
				Details:  map[string]any{"paragraph": truncate(norm, 120)},
			})
		}
	}
	return report
}

// RemoveDuplicates drops from each chapter the paragraphs recorded as
// duplicates of an earlier chapter and returns the rewritten chapters
// together with the number of paragraphs removed.
func RemoveDuplicates(chapters []Chapter, redundancies []Redundancy) ([]Chapter, int) {
	drop := make(map[int]map[string]struct{})
	for _, r := range redundancies {
		if drop[r.DuplicateChapter] == nil {
			drop[r.DuplicateChapter] = make(map[string]struct{})
		}
		drop[r.DuplicateChapter][r.Paragraph] = struct{}{}
	}
	removed := 0
	out := make([]Chapter, len(chapters))
	for i, ch := range chapters {
		out[i] = ch
		targets := drop[ch.Number]
		if len(targets) == 0 {
			continue
		}
		var kept []string
		for _, p := range Paragraphs(ch.Body) {
			if _, ok := targets[normalizeParagraph(p)]; ok {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		out[i].Body = strings.Join(kept, "\n\n")
	}
	return out, removed
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
