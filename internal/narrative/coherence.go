// Package narrative checks a sequence of chapters for coherence (subject
// mentions, chronology, vocabulary overlap, headers), finds duplicated
// paragraphs and validates and renders the boundaries between sections.
package narrative

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bookgen/api/internal/textanalysis"
)

// Sub-score weights of the coherence score.
const (
	weightCharacter  = 0.30
	weightTemporal   = 0.20
	weightVocabulary = 0.25
	weightFlow       = 0.25
)

const (
	mentionsCap          = 5.0
	characterWarnBelow   = 0.5
	timelineSlackYears   = 5
	timelinePenalty      = 0.1
	overlapLow           = 0.30
	overlapHigh          = 0.60
	missingHeaderPenalty = 0.05
)

var yearRe = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)

// Chapter is one chapter of the narrative in reading order.
type Chapter struct {
	Number int
	Title  string
	Body   string
}

// Coherence is the outcome of Analyzer.Coherence.
type Coherence struct {
	Score                float64 `json:"coherence_score"`
	CharacterConsistency float64 `json:"character_consistency"`
	TemporalConsistency  float64 `json:"temporal_consistency"`
	VocabularyCoherence  float64 `json:"vocabulary_coherence"`
	NarrativeFlow        float64 `json:"narrative_flow"`
	ChronologyValid      bool    `json:"chronology_valid"`
	Issues               []Issue `json:"issues"`
}

// Analyzer scores chapters about one subject. It holds no mutable state.
type Analyzer struct {
	subject string
	full    *regexp.Regexp
	first   *regexp.Regexp
	last    *regexp.Regexp
}

func NewAnalyzer(subject string) *Analyzer {
	a := &Analyzer{subject: strings.TrimSpace(subject)}
	parts := strings.Fields(textanalysis.FoldDiacritics(a.subject))
	if len(parts) == 0 {
		return a
	}
	a.full = nameRe(strings.Join(parts, " "))
	if len(parts) > 1 {
		a.first = nameRe(parts[0])
		a.last = nameRe(parts[len(parts)-1])
	}
	return a
}

func nameRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
}

// Coherence computes the weighted coherence score over chapters in order.
// It is a pure function of its input.
func (a *Analyzer) Coherence(chapters []Chapter) Coherence {
	var issues []Issue

	character, ci := a.characterConsistency(chapters)
	issues = append(issues, ci...)
	temporal, valid, ti := temporalConsistency(chapters)
	issues = append(issues, ti...)
	vocabulary := vocabularyCoherence(chapters)
	flow, fi := narrativeFlow(chapters)
	issues = append(issues, fi...)

	return Coherence{
		Score: weightCharacter*character +
			weightTemporal*temporal +
			weightVocabulary*vocabulary +
			weightFlow*flow,
		CharacterConsistency: character,
		TemporalConsistency:  temporal,
		VocabularyCoherence:  vocabulary,
		NarrativeFlow:        flow,
		ChronologyValid:      valid,
		Issues:               issues,
	}
}

// Mentions counts references to the subject in text. A full-name mention
// also matches the first and last name patterns, so it is subtracted once.
func (a *Analyzer) Mentions(text string) int {
	if a.full == nil {
		return 0
	}
	folded := textanalysis.FoldDiacritics(text)
	full := len(a.full.FindAllStringIndex(folded, -1))
	if a.first == nil {
		return full
	}
	first := len(a.first.FindAllStringIndex(folded, -1))
	last := len(a.last.FindAllStringIndex(folded, -1))
	return last + first - full
}

func (a *Analyzer) characterConsistency(chapters []Chapter) (float64, []Issue) {
	if len(chapters) == 0 || a.full == nil {
		return 0, nil
	}
	withMention, total := 0, 0
	var missing []int
	for _, ch := range chapters {
		m := a.Mentions(ch.Body)
		total += m
		if m > 0 {
			withMention++
		} else {
			missing = append(missing, ch.Number)
		}
	}
	n := float64(len(chapters))
	fraction := float64(withMention) / n
	avg := float64(total) / n
	score := 0.7*fraction + 0.3*math.Min(avg/mentionsCap, 1)

	var issues []Issue
	if score < characterWarnBelow {
		issues = append(issues, Issue{
			Type:     IssueCharacterConsistency,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%s is mentioned in %d of %d chapters (%.1f mentions per chapter)",
				a.subject, withMention, len(chapters), avg),
			Chapters: missing,
			Details:  map[string]any{"score": score},
		})
	}
	return score, issues
}

// Years returns the distinct years in [1000, 2099] mentioned in text,
// sorted ascending.
func Years(text string) []int {
	seen := make(map[int]struct{})
	for _, m := range yearRe.FindAllString(text, -1) {
		y, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		seen[y] = struct{}{}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

func temporalConsistency(chapters []Chapter) (float64, bool, []Issue) {
	var issues []Issue
	for i := 0; i+1 < len(chapters); i++ {
		cur, next := Years(chapters[i].Body), Years(chapters[i+1].Body)
		if len(cur) == 0 || len(next) == 0 {
			continue
		}
		maxCur, minNext := cur[len(cur)-1], next[0]
		if minNext < maxCur-timelineSlackYears {
			issues = append(issues, Issue{
				Type:     IssueTimelineConflict,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("chapter %d goes back to %d after chapter %d reached %d",
					chapters[i+1].Number, minNext, chapters[i].Number, maxCur),
				Chapters: []int{chapters[i].Number, chapters[i+1].Number},
				Details:  map[string]any{"max_year": maxCur, "min_year_next": minNext},
			})
		}
	}
	score := math.Max(0, 1-timelinePenalty*float64(len(issues)))
	return score, len(issues) == 0, issues
}

func vocabularyCoherence(chapters []Chapter) float64 {
	if len(chapters) < 2 {
		return 1
	}
	var sum float64
	prev := wordSet(chapters[0].Body)
	for i := 1; i < len(chapters); i++ {
		cur := wordSet(chapters[i].Body)
		sum += overlapScore(Jaccard(prev, cur))
		prev = cur
	}
	return sum / float64(len(chapters)-1)
}

// overlapScore is 1 for overlap in [0.30, 0.60] and falls off linearly
// outside it.
func overlapScore(j float64) float64 {
	switch {
	case j < overlapLow:
		return j / overlapLow
	case j <= overlapHigh:
		return 1
	default:
		return math.Max(0, 1-(j-overlapHigh)/(1-overlapHigh))
	}
}

func narrativeFlow(chapters []Chapter) (float64, []Issue) {
	var issues []Issue
	for i, ch := range chapters {
		if i == 0 || startsWithHeader(ch.Body) {
			continue
		}
		issues = append(issues, Issue{
			Type:     IssueNarrativeFlow,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("chapter %d does not start with a header", ch.Number),
			Chapters: []int{ch.Number},
		})
	}
	return math.Max(0, 1-missingHeaderPenalty*float64(len(issues))), issues
}

func wordSet(text string) map[string]struct{} {
	tokens := textanalysis.Tokens(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|; two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func startsWithHeader(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return headingRe.MatchString(trimmed)
	}
	return false
}
