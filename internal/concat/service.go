// Package concat assembles a subject's section and chapter files into the
// final markdown document, checking coherence and section transitions on
// the way and writing a per-section length report.
package concat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/narrative"
	"github.com/bookgen/api/internal/textanalysis"
)

var firstHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*$`)

// Config controls which files are expected and their target lengths.
type Config struct {
	Root            string
	Chapters        int
	WordsPerChapter int
	SectionTargets  map[string]int
	Marker          string
}

// Section is a loaded input file.
type Section struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Kind      SectionKind `json:"kind"`
	Number    int         `json:"number,omitempty"`
	Title     string      `json:"title"`
	Body      string      `json:"-"`
	WordCount int         `json:"word_count"`
}

// Metrics summarize the assembled document.
type Metrics struct {
	TotalWords         int     `json:"total_words"`
	ChapterCount       int     `json:"chapter_count"`
	FilesProcessed     int     `json:"files_processed"`
	MissingFiles       int     `json:"missing_files"`
	CoherenceScore     float64 `json:"coherence_score"`
	TransitionQuality  float64 `json:"transition_quality"`
	RedundancyRatio    float64 `json:"redundancy_ratio"`
	VocabularyRichness float64 `json:"vocabulary_richness"`
}

// Result is the outcome of Concatenate.
type Result struct {
	OutputPath          string              `json:"output_path"`
	IndexPath           string              `json:"index_path,omitempty"`
	LengthReportPath    string              `json:"length_report_path,omitempty"`
	Success             bool                `json:"success"`
	Metrics             Metrics             `json:"metrics"`
	Coherence           narrative.Coherence `json:"coherence"`
	ChronologyValid     bool                `json:"chronology_valid"`
	CoherenceIssues     []narrative.Issue   `json:"coherence_issues"`
	TransitionIssues    []narrative.Issue   `json:"transition_issues"`
	Missing             []string            `json:"missing"`
	Sections            []Section           `json:"sections"`
	RedundanciesRemoved int                 `json:"redundancies_removed"`
	Index               []narrative.Heading `json:"index"`
	IndexGenerated      bool                `json:"index_generated"`
}

// TransitionErrors counts critical transition issues.
func (r *Result) TransitionErrors() int {
	return narrative.CountBySeverity(r.TransitionIssues)[narrative.SeverityCritical]
}

// IsHighQuality reports coherence above 0.8 with no transition errors and a
// valid chronology.
func (r *Result) IsHighQuality() bool {
	return r.Metrics.CoherenceScore > 0.8 && r.TransitionErrors() == 0 && r.ChronologyValid
}

// Service concatenates biographies laid out under Config.Root.
type Service struct {
	cfg         Config
	layout      Layout
	transitions *narrative.TransitionGenerator
	log         *logger.Logger
}

func NewService(cfg Config, log *logger.Logger) *Service {
	if cfg.SectionTargets == nil {
		cfg.SectionTargets = DefaultSectionTargets
	}
	if log == nil {
		log = logger.Nop()
	}
	tg := narrative.NewTransitionGenerator()
	if cfg.Marker != "" {
		tg.Marker = cfg.Marker
	}
	return &Service{
		cfg:         cfg,
		layout:      Layout{Root: cfg.Root},
		transitions: tg,
		log:         log.With("component", "concat"),
	}
}

// Layout returns the path resolver used by the service.
func (s *Service) Layout() Layout {
	return s.layout
}

// Concatenate assembles the document for character. Missing input files
// are reported in the result and do not fail the run; I/O errors on the
// output do.
func (s *Service) Concatenate(ctx context.Context, character string) (*Result, error) {
	return s.ConcatenateChapters(ctx, character, s.cfg.Chapters)
}

// ConcatenateChapters is Concatenate with an explicit chapter count.
func (s *Service) ConcatenateChapters(ctx context.Context, character string, chapters int) (*Result, error) {
	result := &Result{OutputPath: s.layout.MarkdownPath(character)}

	// Load sections in canonical order
	for _, f := range s.layout.canonicalFiles(character, chapters) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sec, err := loadSection(f)
		if errors.Is(err, fs.ErrNotExist) {
			result.Missing = append(result.Missing, f.name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
		result.Sections = append(result.Sections, sec)
	}
	result.Metrics.FilesProcessed = len(result.Sections)
	result.Metrics.MissingFiles = len(result.Missing)
	if len(result.Missing) > 0 {
		s.log.Warn("missing input files", "character", character, "missing", result.Missing)
	}

	var chs []narrative.Chapter
	for _, sec := range result.Sections {
		if sec.Kind == KindChapter {
			chs = append(chs, narrative.Chapter{Number: sec.Number, Title: sec.Title, Body: sec.Body})
		}
	}
	result.Metrics.ChapterCount = len(chs)
	if len(chs) == 0 {
		s.log.Warn("no chapters to concatenate", "character", character)
		return result, nil
	}

	// Coherence over chapters
	coherence := narrative.NewAnalyzer(character).Coherence(chs)
	result.Coherence = coherence
	result.ChronologyValid = coherence.ChronologyValid
	result.Metrics.CoherenceScore = coherence.Score
	result.CoherenceIssues = append(result.CoherenceIssues, coherence.Issues...)

	// Transitions across every section boundary
	boundaries := make([]narrative.Section, 0, len(result.Sections))
	for _, sec := range result.Sections {
		boundaries = append(boundaries, narrative.Section{Name: sec.Name, Body: sec.Body})
	}
	result.TransitionIssues = append(result.TransitionIssues, emptySectionIssues(result.Sections)...)
	result.TransitionIssues = append(result.TransitionIssues, s.transitions.ValidateAll(boundaries)...)
	result.Metrics.TransitionQuality = transitionQuality(result.TransitionIssues)

	// Redundancy across chapters
	redundancy := narrative.DetectRedundancy(chs)
	result.CoherenceIssues = append(result.CoherenceIssues, redundancy.Issues...)
	result.Metrics.RedundancyRatio = redundancy.Ratio()
	deduped, removed := narrative.RemoveDuplicates(chs, redundancy.Redundancies)
	result.RedundanciesRemoved = removed
	byNumber := make(map[int]string, len(deduped))
	for _, ch := range deduped {
		byNumber[ch.Number] = ch.Body
	}
	for i := range boundaries {
		if sec := result.Sections[i]; sec.Kind == KindChapter {
			boundaries[i].Body = byNumber[sec.Number]
		}
	}

	// Assemble and normalize
	doc := narrative.NormalizeHeaders(s.transitions.Join(boundaries))
	result.Metrics.TotalWords = textanalysis.WordCount(doc)
	result.Metrics.VocabularyRichness = textanalysis.VocabularyRichness(doc)

	if err := writeFile(result.OutputPath, doc); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}

	// Index from the assembled headings
	result.Index = narrative.Headings(doc)
	result.IndexGenerated = len(result.Index) > 0
	if result.IndexGenerated {
		result.IndexPath = s.layout.IndexPath(character)
		if err := writeFile(result.IndexPath, renderIndex(character, result.Index)); err != nil {
			return nil, fmt.Errorf("failed to write index: %w", err)
		}
	}

	// Length report
	result.LengthReportPath = s.layout.LengthReportPath(character)
	rows := s.lengthRows(character, chapters, result.Sections)
	if err := WriteLengthReport(result.LengthReportPath, rows); err != nil {
		return nil, fmt.Errorf("failed to write length report: %w", err)
	}

	result.Success = true
	s.log.Info("document assembled",
		"character", character,
		"path", result.OutputPath,
		"words", result.Metrics.TotalWords,
		"coherence", result.Metrics.CoherenceScore,
		"redundancies_removed", removed,
	)
	return result, nil
}

func loadSection(f fileEntry) (Section, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Section{}, err
	}
	body := string(data)
	kind, number, title := inferSection(f.name)
	if m := firstHeadingRe.FindStringSubmatch(body); m != nil {
		title = m[1]
	}
	return Section{
		Name:      f.name,
		Path:      f.path,
		Kind:      kind,
		Number:    number,
		Title:     title,
		Body:      body,
		WordCount: textanalysis.WordCount(body),
	}, nil
}

func emptySectionIssues(sections []Section) []narrative.Issue {
	var issues []narrative.Issue
	for _, sec := range sections {
		if strings.TrimSpace(sec.Body) != "" {
			continue
		}
		issue := narrative.Issue{
			Type:     narrative.IssueEmptySection,
			Severity: narrative.SeverityCritical,
			Message:  fmt.Sprintf("%s is empty", sec.Name),
			Sections: []string{sec.Name},
		}
		if sec.Number > 0 {
			issue.Chapters = []int{sec.Number}
		}
		issues = append(issues, issue)
	}
	return issues
}

// transitionQuality is 1 - (0.3*critical + 0.1*warning), clamped to [0,1].
func transitionQuality(issues []narrative.Issue) float64 {
	counts := narrative.CountBySeverity(issues)
	q := 1 - (0.3*float64(counts[narrative.SeverityCritical]) + 0.1*float64(counts[narrative.SeverityWarning]))
	return math.Max(0, math.Min(1, q))
}

func renderIndex(character string, headings []narrative.Heading) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Índice: %s\n\n", strings.TrimSpace(character))
	for _, h := range headings {
		b.WriteString(strings.Repeat("  ", h.Level-1))
		b.WriteString("- ")
		b.WriteString(h.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
