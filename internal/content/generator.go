package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bookgen/api/internal/concat"
	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/textanalysis"
)

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)

// Completer is the text generation collaborator.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// ChapterRequest describes one chapter to write.
type ChapterRequest struct {
	Character     string   `json:"character"`
	Number        int      `json:"number"`
	Total         int      `json:"total"`
	TargetWords   int      `json:"target_words"`
	Sources       []string `json:"sources,omitempty"`
	PreviousWords int      `json:"previous_words,omitempty"`
}

// Regenerate reports whether the request replaces a draft that missed
// its length.
func (r ChapterRequest) Regenerate() bool {
	return r.PreviousWords > 0
}

// Chapter is a written chapter.
type Chapter struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	WordCount int    `json:"word_count"`
	Path      string `json:"path"`
}

// Section is a written front or back matter section.
type Section struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
	Path      string `json:"path"`
}

type Generator struct {
	llm    Completer
	layout concat.Layout
	log    *logger.Logger
}

func NewGenerator(llm Completer, layout concat.Layout, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{llm: llm, layout: layout, log: log.With("component", "content")}
}

// GenerateChapter writes one chapter to its file and returns it.
func (g *Generator) GenerateChapter(ctx context.Context, req ChapterRequest) (*Chapter, error) {
	prompt := ChapterPrompt(req.Character, req.Number, req.Total, req.TargetWords, req.Sources)
	if req.Regenerate() {
		prompt = RegenerationPrompt(req.Character, req.Number, req.Total, req.TargetWords, req.PreviousWords)
	}

	text, err := g.llm.Complete(ctx, systemPrompt, prompt, MaxTokens(req.TargetWords))
	if err != nil {
		return nil, fmt.Errorf("chapter %d: %w", req.Number, err)
	}

	fallback := fmt.Sprintf("Capítulo %d", req.Number)
	title, body := withHeading(text, fallback)
	path := g.layout.ChapterPath(req.Character, req.Number)
	if err := writeFile(path, body); err != nil {
		return nil, err
	}

	ch := &Chapter{
		Number:    req.Number,
		Title:     title,
		Body:      body,
		WordCount: textanalysis.WordCount(body),
		Path:      path,
	}
	g.log.Debug("chapter written",
		"character", req.Character,
		"chapter", req.Number,
		"words", ch.WordCount,
		"regenerated", req.Regenerate(),
	)
	return ch, nil
}

// GenerateSection writes one non-chapter section to its file.
func (g *Generator) GenerateSection(ctx context.Context, character string, spec concat.SectionSpec, targetWords int) (*Section, error) {
	text, err := g.llm.Complete(ctx, systemPrompt, SectionPrompt(character, spec, targetWords), MaxTokens(targetWords))
	if err != nil {
		return nil, fmt.Errorf("section %s: %w", spec.File, err)
	}
	title, body := withHeading(text, spec.Title)
	path := g.layout.SectionPath(character, spec.File)
	if err := writeFile(path, body); err != nil {
		return nil, err
	}
	return &Section{Name: spec.File, Title: title, WordCount: textanalysis.WordCount(body), Path: path}, nil
}

// withHeading returns the first heading's text and the body, prepending a
// first-level heading when the text has none.
func withHeading(text, fallback string) (string, string) {
	text = strings.TrimSpace(text) + "\n"
	first, _, _ := strings.Cut(text, "\n")
	if m := headingRe.FindStringSubmatch(strings.TrimSpace(first)); m != nil {
		return m[1], text
	}
	return fallback, "# " + fallback + "\n\n" + text
}

func writeFile(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return recovery.E(recovery.KindFile, "write content", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return recovery.E(recovery.KindFile, "write content", err)
	}
	return nil
}

// SectionTargets returns the word target of each front and back matter
// section, scaled to the book size.
func SectionTargets(totalWords int) map[string]int {
	scale := 1.0
	if totalWords > 0 {
		scale = float64(totalWords) / 51000
	}
	out := make(map[string]int, len(concat.DefaultSectionTargets))
	for name, words := range concat.DefaultSectionTargets {
		n := int(float64(words) * scale)
		if n < 100 {
			n = 100
		}
		out[name] = n
	}
	return out
}

// RemoveChapter deletes a chapter file, ignoring a missing one.
func (g *Generator) RemoveChapter(character string, number int) error {
	err := os.Remove(g.layout.ChapterPath(character, number))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove chapter %d: %w", number, err)
	}
	return nil
}
