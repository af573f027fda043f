// Package content turns LLM completions into chapter and section files for
// a biography.
package content

import (
	"fmt"
	"strings"

	"github.com/bookgen/api/internal/concat"
)

const systemPrompt = `You are a professional biographer writing a long-form biography in Spanish.
Write in clear narrative prose, grounded in verifiable facts, with dates written as four-digit years.
Start every piece with a single first-level markdown heading. Do not add notes about the writing process.`

var sectionBriefs = map[concat.SectionKind]string{
	concat.KindPrologue:         "a prologue that draws the reader into the life of %s with one defining scene",
	concat.KindIntroduction:     "an introduction presenting %s, the historical context and what the book covers",
	concat.KindChronology:       "a chronology of the key dates in the life of %s, one line per event, oldest first",
	concat.KindEpilogue:         "an epilogue reflecting on the legacy of %s",
	concat.KindGlossary:         "a glossary of the terms, places and institutions that matter in the life of %s",
	concat.KindDramatisPersonae: "a dramatis personae listing the people around %s with one short paragraph each",
	concat.KindSources:          "a commented list of the sources used for a biography of %s",
}

// ChapterPrompt is the user prompt for chapter number of total.
func ChapterPrompt(character string, number, total, targetWords int, sources []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write chapter %d of %d of a biography of %s.\n", number, total, character)
	fmt.Fprintf(&b, "The chapter must be about %d words long.\n", targetWords)
	switch {
	case number == 1:
		b.WriteString("Cover origins, family and early years.\n")
	case number == total:
		b.WriteString("Cover the final years and death or present day.\n")
	default:
		fmt.Fprintf(&b, "Continue the life in chronological order; this chapter sits at position %d of %d.\n", number, total)
	}
	fmt.Fprintf(&b, "Begin with the heading \"# Capítulo %d: <title>\".\n", number)
	if len(sources) > 0 {
		b.WriteString("Draw on these sources where relevant:\n")
		for _, s := range sources {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

// RegenerationPrompt asks for a new draft of a chapter that missed its
// length. Only the word count target is carried over.
func RegenerationPrompt(character string, number, total, targetWords, previousWords int) string {
	return ChapterPrompt(character, number, total, targetWords, nil) +
		fmt.Sprintf("A previous draft had %d words. Write a new draft of about %d words.\n", previousWords, targetWords)
}

// SectionPrompt is the user prompt for a front or back matter section.
func SectionPrompt(character string, spec concat.SectionSpec, targetWords int) string {
	brief, ok := sectionBriefs[spec.Kind]
	if !ok {
		brief = "the section \"" + spec.Title + "\" of a biography of %s"
	}
	return fmt.Sprintf("Write %s.\nIt must be about %d words long.\nBegin with the heading \"# %s\".\n",
		fmt.Sprintf(brief, character), targetWords, spec.Title)
}

// MaxTokens budgets completion tokens for a target word count.
func MaxTokens(targetWords int) int {
	n := targetWords * 2
	if n < 512 {
		n = 512
	}
	if n > 16000 {
		n = 16000
	}
	return n
}
