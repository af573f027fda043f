package validation

import "sort"

// SuggestionKind says what the writer should do with a chapter.
type SuggestionKind string

const (
	KindExpansion   SuggestionKind = "expansion"
	KindReduction   SuggestionKind = "reduction"
	KindImprovement SuggestionKind = "improvement"
)

// Severity ranks suggestions.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// Suggestion is an actionable note about a chapter. Current and Target
// carry the numbers the message refers to.
type Suggestion struct {
	Kind     SuggestionKind `json:"type"`
	Severity Severity       `json:"severity"`
	Metric   string         `json:"metric"`
	Message  string         `json:"message"`
	Current  float64        `json:"current"`
	Target   float64        `json:"target"`
}

// sortSuggestions orders by severity, keeping insertion order within one
// severity.
func sortSuggestions(s []Suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Severity.rank() < s[j].Severity.rank()
	})
}
