// Package textanalysis computes word-level metrics over markdown prose:
// word counts, term-frequency density, n-gram repetition, vocabulary
// richness and sentence structure. Every function is pure and degrades to
// zero values on empty or degenerate input.
package textanalysis

import (
	"maps"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"
)

// MinDensityChars is the cleaned-text length below which density is 0.
const MinDensityChars = 100

// Default n-gram window for repetition analysis.
const (
	DefaultNGramMin      = 3
	DefaultNGramMax      = 5
	DefaultMinOccurrence = 3
	topNGrams            = 10
)

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)?`)
	sentenceRe = regexp.MustCompile(`[.!?…]+(?:\s+|$)`)
	paraSplit  = regexp.MustCompile(`\n\s*\n`)
)

// NGram is a repeated word sequence and how often it occurs.
type NGram struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// Repetition is the outcome of RepetitionAnalysis.
type Repetition struct {
	Ratio float64 `json:"ratio"`
	Top   []NGram `json:"top"`
}

// SentenceStats summarizes sentence lengths in words.
type SentenceStats struct {
	Count      int     `json:"count"`
	MeanLength float64 `json:"mean_length"`
	Variety    float64 `json:"variety"`
}

// Term is a weighted vocabulary term.
type Term struct {
	Term  string  `json:"term"`
	Score float64 `json:"score"`
}

// ContentStats are plain counts over a text.
type ContentStats struct {
	Words       int `json:"words"`
	UniqueWords int `json:"unique_words"`
	Characters  int `json:"characters"`
	Sentences   int `json:"sentences"`
	Paragraphs  int `json:"paragraphs"`
}

// WordCount returns the whitespace-split token count of the cleaned text.
func WordCount(text string) int {
	return len(strings.Fields(CleanMarkup(text)))
}

// Tokens returns the lowercased word tokens of the cleaned text.
func Tokens(text string) []string {
	return tokenize(CleanMarkup(text))
}

func tokenize(cleaned string) []string {
	matches := wordRe.FindAllString(cleaned, -1)
	for i, m := range matches {
		matches[i] = strings.ToLower(m)
	}
	return matches
}

// termWeights returns the L2-normalized term frequencies of the content
// vocabulary (stop words and one-character tokens removed). With a single
// document the inverse document frequency is 1 for every term.
func termWeights(tokens []string) map[string]float64 {
	counts := make(map[string]float64)
	for _, t := range tokens {
		if utf8.RuneCountInString(t) < 2 || IsStopword(t) {
			continue
		}
		counts[t]++
	}
	// Summed in key order so repeated calls agree to the last bit.
	var norm float64
	for _, t := range slices.Sorted(maps.Keys(counts)) {
		norm += counts[t] * counts[t]
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for t, c := range counts {
		counts[t] = c / norm
	}
	return counts
}

// InformationDensity is the mean normalized term weight over the content
// vocabulary. Short texts score 0.
func InformationDensity(text string) float64 {
	cleaned := CleanMarkup(text)
	return density(cleaned, tokenize(cleaned))
}

func density(cleaned string, tokens []string) float64 {
	if utf8.RuneCountInString(strings.TrimSpace(cleaned)) < MinDensityChars {
		return 0
	}
	weights := termWeights(tokens)
	if len(weights) == 0 {
		return 0
	}
	var sum float64
	for _, t := range slices.Sorted(maps.Keys(weights)) {
		sum += weights[t]
	}
	return sum / float64(len(weights))
}

// KeyTerms returns the k highest-weighted content terms, ties broken
// alphabetically.
func KeyTerms(text string, k int) []Term {
	if k <= 0 {
		return nil
	}
	weights := termWeights(Tokens(text))
	terms := make([]Term, 0, len(weights))
	for t, w := range weights {
		terms = append(terms, Term{Term: t, Score: w})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Score != terms[j].Score {
			return terms[i].Score > terms[j].Score
		}
		return terms[i].Term < terms[j].Term
	})
	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}

// RepetitionAnalysis finds every n-gram with nmin <= n <= nmax occurring at
// least minOcc times. Ratio is the share of word positions covered by such
// n-grams; Top holds the ten most frequent.
func RepetitionAnalysis(text string, nmin, nmax, minOcc int) Repetition {
	return repetition(Tokens(text), nmin, nmax, minOcc)
}

func repetition(tokens []string, nmin, nmax, minOcc int) Repetition {
	if nmin < 1 {
		nmin = 1
	}
	if minOcc < 2 {
		minOcc = 2
	}
	total := len(tokens)
	if total == 0 || nmax < nmin {
		return Repetition{}
	}

	covered := make([]bool, total)
	var found []NGram
	for n := nmin; n <= nmax && n <= total; n++ {
		positions := make(map[string][]int)
		for i := 0; i+n <= total; i++ {
			key := strings.Join(tokens[i:i+n], " ")
			positions[key] = append(positions[key], i)
		}
		for phrase, starts := range positions {
			if len(starts) < minOcc {
				continue
			}
			found = append(found, NGram{Phrase: phrase, Count: len(starts)})
			for _, s := range starts {
				for p := s; p < s+n; p++ {
					covered[p] = true
				}
			}
		}
	}

	repeated := 0
	for _, c := range covered {
		if c {
			repeated++
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Count != found[j].Count {
			return found[i].Count > found[j].Count
		}
		return found[i].Phrase < found[j].Phrase
	})
	if len(found) > topNGrams {
		found = found[:topNGrams]
	}
	return Repetition{Ratio: float64(repeated) / float64(total), Top: found}
}

// VocabularyRichness is unique words over total words.
func VocabularyRichness(text string) float64 {
	return richness(Tokens(text))
}

func richness(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	return float64(len(unique)) / float64(len(tokens))
}

// SentenceStructure measures sentence count, mean length in words and
// length variety (standard deviation over mean).
func SentenceStructure(text string) SentenceStats {
	cleaned := CleanMarkup(text)
	var lengths []float64
	for _, s := range sentenceRe.Split(cleaned, -1) {
		n := len(wordRe.FindAllString(s, -1))
		if n > 0 {
			lengths = append(lengths, float64(n))
		}
	}
	if len(lengths) == 0 {
		return SentenceStats{}
	}
	var sum float64
	for _, l := range lengths {
		sum += l
	}
	mean := sum / float64(len(lengths))
	var sq float64
	for _, l := range lengths {
		sq += (l - mean) * (l - mean)
	}
	std := math.Sqrt(sq / float64(len(lengths)))
	return SentenceStats{
		Count:      len(lengths),
		MeanLength: mean,
		Variety:    std / mean,
	}
}

// Stats returns plain counts over the text.
func Stats(text string) ContentStats {
	cleaned := CleanMarkup(text)
	tokens := tokenize(cleaned)
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	paragraphs := 0
	for _, p := range paraSplit.Split(cleaned, -1) {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	return ContentStats{
		Words:       len(strings.Fields(cleaned)),
		UniqueWords: len(unique),
		Characters:  utf8.RuneCountInString(cleaned),
		Sentences:   SentenceStructure(text).Count,
		Paragraphs:  paragraphs,
	}
}

// Report bundles every metric for one text.
type Report struct {
	WordCount  int           `json:"word_count"`
	Density    float64       `json:"information_density"`
	Repetition Repetition    `json:"repetition"`
	Richness   float64       `json:"vocabulary_richness"`
	Sentences  SentenceStats `json:"sentence_structure"`
	KeyTerms   []Term        `json:"key_terms"`
	Stats      ContentStats  `json:"stats"`
}

// Options tunes Analyze.
type Options struct {
	NGramMin      int
	NGramMax      int
	MinOccurrence int
	KeyTerms      int
}

// DefaultOptions returns the standard repetition window and five key terms.
func DefaultOptions() Options {
	return Options{
		NGramMin:      DefaultNGramMin,
		NGramMax:      DefaultNGramMax,
		MinOccurrence: DefaultMinOccurrence,
		KeyTerms:      5,
	}
}

// Analyze computes every metric over text.
func Analyze(text string, opts Options) Report {
	cleaned := CleanMarkup(text)
	tokens := tokenize(cleaned)

	return Report{
		WordCount:  len(strings.Fields(cleaned)),
		Density:    density(cleaned, tokens),
		Repetition: repetition(tokens, opts.NGramMin, opts.NGramMax, opts.MinOccurrence),
		Richness:   richness(tokens),
		Sentences:  SentenceStructure(text),
		KeyTerms:   KeyTerms(text, opts.KeyTerms),
		Stats:      Stats(text),
	}
}
