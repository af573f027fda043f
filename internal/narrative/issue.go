package narrative

// IssueType classifies a coherence or transition finding.
type IssueType string

const (
	IssueCharacterConsistency IssueType = "character_consistency"
	IssueTimelineConflict     IssueType = "timeline_conflict"
	IssueNarrativeFlow        IssueType = "narrative_flow"
	IssueExactDuplicate       IssueType = "exact_duplicate"
	IssueMissingHeader        IssueType = "missing_header"
	IssueRepetitiveTransition IssueType = "repetitive_transition"
	IssueEmptySection         IssueType = "empty_section"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is a single finding. Chapters lists the chapter numbers involved;
// Sections names the sections for transition findings.
type Issue struct {
	Type     IssueType      `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Chapters []int          `json:"chapters,omitempty"`
	Sections []string       `json:"sections,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// CountBySeverity tallies issues per severity.
func CountBySeverity(issues []Issue) map[Severity]int {
	out := make(map[Severity]int, 3)
	for _, i := range issues {
		out[i.Severity]++
	}
	return out
}
