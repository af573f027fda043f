package concat

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bookgen/api/internal/textanalysis"
)

// SectionKind identifies a part of the book.
type SectionKind string

const (
	KindPrologue         SectionKind = "prologue"
	KindIntroduction     SectionKind = "introduction"
	KindChronology       SectionKind = "chronology"
	KindChapter          SectionKind = "chapter"
	KindEpilogue         SectionKind = "epilogue"
	KindGlossary         SectionKind = "glossary"
	KindDramatisPersonae SectionKind = "dramatis_personae"
	KindSources          SectionKind = "sources"
)

// SectionSpec names a non-chapter section file and its display title.
type SectionSpec struct {
	File  string
	Kind  SectionKind
	Title string
}

// Front and back matter in canonical order; chapters go between them.
var (
	FrontMatter = []SectionSpec{
		{File: "prologo", Kind: KindPrologue, Title: "Prólogo"},
		{File: "introduccion", Kind: KindIntroduction, Title: "Introducción"},
		{File: "cronologia", Kind: KindChronology, Title: "Cronología"},
	}
	BackMatter = []SectionSpec{
		{File: "epilogo", Kind: KindEpilogue, Title: "Epílogo"},
		{File: "glosario", Kind: KindGlossary, Title: "Glosario"},
		{File: "dramatis-personae", Kind: KindDramatisPersonae, Title: "Dramatis Personae"},
		{File: "fuentes", Kind: KindSources, Title: "Fuentes"},
	}
)

// DefaultSectionTargets are the expected word counts of non-chapter sections.
var DefaultSectionTargets = map[string]int{
	"prologo":           1000,
	"introduccion":      1500,
	"cronologia":        1200,
	"epilogo":           1000,
	"glosario":          800,
	"dramatis-personae": 800,
	"fuentes":           600,
}

var (
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9]+`)
	chapterFile = regexp.MustCompile(`^capitulo-(\d+)$`)
)

// NormalizeName turns a subject name into its directory name:
// "Winston Churchill" becomes "winston_churchill".
func NormalizeName(character string) string {
	s := strings.ToLower(textanalysis.FoldDiacritics(strings.TrimSpace(character)))
	return strings.Trim(nonAlnumRe.ReplaceAllString(s, "_"), "_")
}

// DisplayName is the subject name with diacritics stripped and whitespace
// collapsed, safe for use in a file name.
func DisplayName(character string) string {
	s := strings.Join(strings.Fields(textanalysis.FoldDiacritics(character)), " ")
	return strings.NewReplacer("/", "-", `\`, "-", ":", "-").Replace(s)
}

// ChapterFile is the base name of chapter n, without extension.
func ChapterFile(n int) string {
	return fmt.Sprintf("capitulo-%02d", n)
}

// Layout resolves the on-disk paths for a subject under Root.
type Layout struct {
	Root string
}

func (l Layout) CharacterDir(character string) string {
	return filepath.Join(l.Root, NormalizeName(character))
}

func (l Layout) ChaptersDir(character string) string {
	return filepath.Join(l.CharacterDir(character), "chapters")
}

func (l Layout) SectionsDir(character string) string {
	return filepath.Join(l.CharacterDir(character), "sections")
}

func (l Layout) ResearchDir(character string) string {
	return filepath.Join(l.CharacterDir(character), "research")
}

func (l Layout) ControlDir(character string) string {
	return filepath.Join(l.CharacterDir(character), "control")
}

func (l Layout) ChapterPath(character string, n int) string {
	return filepath.Join(l.ChaptersDir(character), ChapterFile(n)+".md")
}

func (l Layout) SectionPath(character, section string) string {
	return filepath.Join(l.SectionsDir(character), section+".md")
}

// MarkdownPath is the assembled document.
func (l Layout) MarkdownPath(character string) string {
	return filepath.Join(l.CharacterDir(character), "output", "markdown",
		"La biografia de "+DisplayName(character)+".md")
}

// IndexPath is the generated table of contents.
func (l Layout) IndexPath(character string) string {
	return filepath.Join(l.CharacterDir(character), "output", "markdown", "indice.md")
}

// WordPath is the exported word-processor document.
func (l Layout) WordPath(character string) string {
	return filepath.Join(l.CharacterDir(character), "output", "word", DisplayName(character)+".docx")
}

// KDPDir holds print-ready exports.
func (l Layout) KDPDir(character string) string {
	return filepath.Join(l.CharacterDir(character), "output", "kdp")
}

// LengthReportPath is control/longitudes.csv.
func (l Layout) LengthReportPath(character string) string {
	return filepath.Join(l.ControlDir(character), "longitudes.csv")
}

// fileEntry is one expected input file in canonical order.
type fileEntry struct {
	name string
	path string
}

func (l Layout) canonicalFiles(character string, chapters int) []fileEntry {
	files := make([]fileEntry, 0, len(FrontMatter)+chapters+len(BackMatter))
	for _, s := range FrontMatter {
		files = append(files, fileEntry{name: s.File, path: l.SectionPath(character, s.File)})
	}
	for n := 1; n <= chapters; n++ {
		files = append(files, fileEntry{name: ChapterFile(n), path: l.ChapterPath(character, n)})
	}
	for _, s := range BackMatter {
		files = append(files, fileEntry{name: s.File, path: l.SectionPath(character, s.File)})
	}
	return files
}

// inferSection maps a base file name to its kind, chapter number and
// fallback title.
func inferSection(name string) (SectionKind, int, string) {
	if m := chapterFile.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return KindChapter, n, fmt.Sprintf("Capítulo %d", n)
	}
	for _, group := range [][]SectionSpec{FrontMatter, BackMatter} {
		for _, s := range group {
			if s.File == name {
				return s.Kind, 0, s.Title
			}
		}
	}
	return "", 0, name
}
