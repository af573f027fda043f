package validation

import (
	"errors"
	"fmt"
	"math"
)

// Weights distribute the quality score across the four sub-scores. They
// must sum to 1.
type Weights struct {
	Length     float64 `json:"length"`
	Density    float64 `json:"density"`
	Repetition float64 `json:"repetition"`
	Vocabulary float64 `json:"vocabulary"`
}

func (w Weights) sum() float64 {
	return w.Length + w.Density + w.Repetition + w.Vocabulary
}

// Config holds the length targets and scoring thresholds.
type Config struct {
	TotalWords      int
	ChaptersNumber  int
	WordsPerChapter int
	Tolerance       float64
	MinAbsolute     int
	MaxAbsolute     int

	MinDensity        float64
	OptimalDensity    float64
	MaxRepetition     float64
	MinVocabulary     float64
	OptimalVocabulary float64
	MinQuality        float64

	Weights Weights
}

// DefaultConfig returns the standard book shape: 51000 words over 20
// chapters with a 5% tolerance.
func DefaultConfig() Config {
	return Config{
		TotalWords:        51000,
		ChaptersNumber:    20,
		WordsPerChapter:   2550,
		Tolerance:         0.05,
		MinAbsolute:       3000,
		MaxAbsolute:       15000,
		MinDensity:        0.01,
		OptimalDensity:    0.025,
		MaxRepetition:     0.05,
		MinVocabulary:     0.3,
		OptimalVocabulary: 0.5,
		MinQuality:        60,
		Weights: Weights{
			Length:     0.4,
			Density:    0.2,
			Repetition: 0.25,
			Vocabulary: 0.15,
		},
	}
}

// WithBook returns a copy of c targeting totalWords over chapters.
func (c Config) WithBook(totalWords, chapters int) Config {
	if totalWords > 0 {
		c.TotalWords = totalWords
	}
	if chapters > 0 {
		c.ChaptersNumber = chapters
	}
	if c.ChaptersNumber > 0 {
		c.WordsPerChapter = c.TotalWords / c.ChaptersNumber
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.WordsPerChapter <= 0 {
		errs = append(errs, fmt.Errorf("words per chapter must be positive, got %d", c.WordsPerChapter))
	}
	if c.Tolerance < 0 || c.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("tolerance must be in [0,1), got %v", c.Tolerance))
	}
	if c.MinDensity <= 0 || c.OptimalDensity <= c.MinDensity {
		errs = append(errs, errors.New("density thresholds must satisfy 0 < min < optimal"))
	}
	if c.MinVocabulary <= 0 || c.OptimalVocabulary <= c.MinVocabulary {
		errs = append(errs, errors.New("vocabulary thresholds must satisfy 0 < min < optimal"))
	}
	if c.MaxRepetition <= 0 || c.MaxRepetition >= 1 {
		errs = append(errs, fmt.Errorf("max repetition must be in (0,1), got %v", c.MaxRepetition))
	}
	if math.Abs(c.Weights.sum()-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("weights must sum to 1, got %v", c.Weights.sum()))
	}
	return errors.Join(errs...)
}
