// Package validation scores generated chapters against their length target
// and prose-quality thresholds and emits suggestions for fixing them.
package validation

import (
	"fmt"
	"math"

	"github.com/bookgen/api/internal/textanalysis"
)

// innerBand is the relative deviation that still earns a full length score.
const innerBand = 0.05

// Result is the verdict for a single chapter.
type Result struct {
	ChapterNumber int     `json:"chapter_number"`
	WordCount     int     `json:"word_count"`
	Target        int     `json:"target"`
	MinWords      int     `json:"min_words"`
	MaxWords      int     `json:"max_words"`
	InRange       bool    `json:"in_range"`
	Valid         bool    `json:"is_valid"`
	Deviation     float64 `json:"deviation"`

	LengthScore     float64 `json:"length_score"`
	DensityScore    float64 `json:"density_score"`
	RepetitionScore float64 `json:"repetition_score"`
	VocabularyScore float64 `json:"vocabulary_score"`
	QualityScore    float64 `json:"quality_score"`

	InformationDensity float64                    `json:"information_density"`
	RepetitionRatio    float64                    `json:"repetition_ratio"`
	VocabularyRichness float64                    `json:"vocabulary_richness"`
	RepeatedNGrams     []textanalysis.NGram       `json:"repeated_ngrams"`
	KeyTerms           []textanalysis.Term        `json:"key_terms"`
	Stats              textanalysis.ContentStats  `json:"content_stats"`
	Sentences          textanalysis.SentenceStats `json:"sentence_structure"`

	Suggestions []Suggestion `json:"suggestions"`
}

// Summary aggregates the verdicts of a set of chapters.
type Summary struct {
	Total           int     `json:"total"`
	Valid           int     `json:"valid"`
	Invalid         int     `json:"invalid"`
	TotalWords      int     `json:"total_words"`
	AverageQuality  float64 `json:"average_quality"`
	InvalidChapters []int   `json:"invalid_chapters"`
}

type Validator struct {
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid validation config: %w", err)
	}
	return &Validator{cfg: cfg}, nil
}

// Config returns the validator configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Range returns the allowed word-count interval for target. The absolute
// bounds only tighten the tolerance band when the result is non-empty.
func (v *Validator) Range(target int) (lo, hi float64) {
	t := float64(target)
	lo = t * (1 - v.cfg.Tolerance)
	hi = t * (1 + v.cfg.Tolerance)

	tlo, thi := lo, hi
	if v.cfg.MinAbsolute > 0 {
		tlo = math.Max(lo, float64(v.cfg.MinAbsolute))
	}
	if v.cfg.MaxAbsolute > 0 {
		thi = math.Min(hi, float64(v.cfg.MaxAbsolute))
	}
	if tlo <= thi {
		return tlo, thi
	}
	return lo, hi
}

// ValidateChapter validates a chapter body against the configured
// per-chapter target.
func (v *Validator) ValidateChapter(number int, body string) Result {
	r := v.ValidateText(body, v.cfg.WordsPerChapter)
	r.ChapterNumber = number
	return r
}

// ValidateText validates body against an explicit target.
func (v *Validator) ValidateText(body string, target int) Result {
	report := textanalysis.Analyze(body, textanalysis.DefaultOptions())
	lo, hi := v.Range(target)
	wc := report.WordCount

	r := Result{
		WordCount:          wc,
		Target:             target,
		MinWords:           int(math.Ceil(lo)),
		MaxWords:           int(math.Floor(hi)),
		InRange:            float64(wc) >= lo && float64(wc) <= hi,
		InformationDensity: report.Density,
		RepetitionRatio:    report.Repetition.Ratio,
		VocabularyRichness: report.Richness,
		RepeatedNGrams:     head(report.Repetition.Top, 5),
		KeyTerms:           report.KeyTerms,
		Stats:              report.Stats,
		Sentences:          report.Sentences,
	}
	if target > 0 {
		r.Deviation = math.Abs(float64(wc-target)) / float64(target)
	}

	r.LengthScore = v.lengthScore(wc, target)
	r.DensityScore = rampScore(report.Density, v.cfg.MinDensity, v.cfg.OptimalDensity)
	r.RepetitionScore = v.repetitionScore(report.Repetition.Ratio)
	r.VocabularyScore = rampScore(report.Richness, v.cfg.MinVocabulary, v.cfg.OptimalVocabulary)

	w := v.cfg.Weights
	r.QualityScore = w.Length*r.LengthScore +
		w.Density*r.DensityScore +
		w.Repetition*r.RepetitionScore +
		w.Vocabulary*r.VocabularyScore
	r.Valid = r.InRange && r.QualityScore >= v.cfg.MinQuality
	r.Suggestions = v.suggest(r, lo, hi)
	return r
}

// lengthScore is 100 within the inner band, fades linearly to 80 at the
// tolerance edge and decays exponentially beyond it.
func (v *Validator) lengthScore(wc, target int) float64 {
	if target <= 0 {
		return 0
	}
	dev := math.Abs(float64(wc-target)) / float64(target)
	inner := math.Min(innerBand, v.cfg.Tolerance)
	edge := math.Max(v.cfg.Tolerance, inner)
	switch {
	case dev <= inner:
		return 100
	case dev <= edge:
		return 100 - 20*(dev-inner)/(edge-inner)
	default:
		return 80 * math.Exp(-5*(dev-edge))
	}
}

func (v *Validator) repetitionScore(ratio float64) float64 {
	if ratio <= v.cfg.MaxRepetition {
		return 100 - ratio*100
	}
	return math.Max(0, 95-(ratio-v.cfg.MaxRepetition)*400)
}

// rampScore is 100 at or above optimal, 60..100 between min and optimal and
// a fraction of 60 below min.
func rampScore(value, floor, optimal float64) float64 {
	switch {
	case value >= optimal:
		return 100
	case value >= floor:
		return 60 + 40*(value-floor)/(optimal-floor)
	case value <= 0:
		return 0
	default:
		return 60 * value / floor
	}
}

func (v *Validator) suggest(r Result, lo, hi float64) []Suggestion {
	var out []Suggestion
	tol := v.cfg.Tolerance

	switch {
	case float64(r.WordCount) < lo:
		deficit := r.MinWords - r.WordCount
		sev := SeverityWarning
		if r.Deviation > 2*tol {
			sev = SeverityCritical
		}
		out = append(out, Suggestion{
			Kind:     KindExpansion,
			Severity: sev,
			Metric:   "word_count",
			Message: fmt.Sprintf("Expand the chapter by at least %d words: it has %d, the minimum is %d (target %d)",
				deficit, r.WordCount, r.MinWords, r.Target),
			Current: float64(r.WordCount),
			Target:  float64(r.Target),
		})
	case float64(r.WordCount) > hi:
		excess := r.WordCount - r.MaxWords
		sev := SeverityWarning
		if r.Deviation > 2*tol {
			sev = SeverityCritical
		}
		out = append(out, Suggestion{
			Kind:     KindReduction,
			Severity: sev,
			Metric:   "word_count",
			Message: fmt.Sprintf("Cut at least %d words: it has %d, the maximum is %d (target %d)",
				excess, r.WordCount, r.MaxWords, r.Target),
			Current: float64(r.WordCount),
			Target:  float64(r.Target),
		})
	}

	if r.QualityScore < v.cfg.MinQuality {
		out = append(out, Suggestion{
			Kind:     KindImprovement,
			Severity: SeverityCritical,
			Metric:   "quality_score",
			Message:  fmt.Sprintf("Quality score %.1f is below the minimum of %.0f", r.QualityScore, v.cfg.MinQuality),
			Current:  r.QualityScore,
			Target:   v.cfg.MinQuality,
		})
	}

	if r.InformationDensity < v.cfg.OptimalDensity {
		sev := SeverityInfo
		if r.InformationDensity < v.cfg.MinDensity {
			sev = SeverityWarning
		}
		out = append(out, Suggestion{
			Kind:     KindImprovement,
			Severity: sev,
			Metric:   "information_density",
			Message: fmt.Sprintf("Information density %.4f is below the optimal %.4f; add concrete names and dates",
				r.InformationDensity, v.cfg.OptimalDensity),
			Current: r.InformationDensity,
			Target:  v.cfg.OptimalDensity,
		})
	}

	if r.RepetitionRatio > v.cfg.MaxRepetition {
		sev := SeverityWarning
		if r.RepetitionScore < 40 {
			sev = SeverityCritical
		}
		msg := fmt.Sprintf("Repetition ratio %.1f%% exceeds the acceptable %.1f%%",
			r.RepetitionRatio*100, v.cfg.MaxRepetition*100)
		if len(r.RepeatedNGrams) > 0 {
			msg += fmt.Sprintf("; rephrase %q (%d occurrences)", r.RepeatedNGrams[0].Phrase, r.RepeatedNGrams[0].Count)
		}
		out = append(out, Suggestion{
			Kind:     KindImprovement,
			Severity: sev,
			Metric:   "repetition_ratio",
			Message:  msg,
			Current:  r.RepetitionRatio,
			Target:   v.cfg.MaxRepetition,
		})
	}

	if r.VocabularyRichness < v.cfg.OptimalVocabulary {
		sev := SeverityInfo
		if r.VocabularyRichness < v.cfg.MinVocabulary {
			sev = SeverityWarning
		}
		out = append(out, Suggestion{
			Kind:     KindImprovement,
			Severity: sev,
			Metric:   "vocabulary_richness",
			Message: fmt.Sprintf("Vocabulary richness %.2f is below %.2f; vary word choice",
				r.VocabularyRichness, v.cfg.OptimalVocabulary),
			Current: r.VocabularyRichness,
			Target:  v.cfg.OptimalVocabulary,
		})
	}

	sortSuggestions(out)
	return out
}

// Summarize aggregates chapter verdicts.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), InvalidChapters: []int{}}
	if len(results) == 0 {
		return s
	}
	var quality float64
	for _, r := range results {
		s.TotalWords += r.WordCount
		quality += r.QualityScore
		if r.Valid {
			s.Valid++
		} else {
			s.Invalid++
			s.InvalidChapters = append(s.InvalidChapters, r.ChapterNumber)
		}
	}
	s.AverageQuality = quality / float64(len(results))
	return s
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
