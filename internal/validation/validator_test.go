package validation

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/textanalysis"
)

var syllables = []string{
	"ba", "ce", "di", "fo", "gu", "ha", "je", "ki", "lo", "mu",
	"na", "pe", "qui", "ro", "su", "ta", "ve", "wi", "xo", "zu",
}

// prose returns exactly n words of varied pseudo-text split into sentences.
func prose(n int, seed int64) string {
	rng := rand.New(rand.NewSource(seed))
	words := make([]string, n)
	for i := range words {
		var b strings.Builder
		for s := 2 + rng.Intn(3); s > 0; s-- {
			b.WriteString(syllables[rng.Intn(len(syllables))])
		}
		words[i] = b.String()
	}
	sentence := 0
	for i := range words {
		if sentence == 0 {
			words[i] = strings.ToUpper(words[i][:1]) + words[i][1:]
		}
		sentence++
		if sentence >= 8+rng.Intn(8) || i == len(words)-1 {
			words[i] += "."
			sentence = 0
		}
	}
	return strings.Join(words, " ")
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(DefaultConfig())
	require.NoError(t, err)
	return v
}

func TestRange(t *testing.T) {
	v := newValidator(t)

	t.Run("absolute bounds would empty the band", func(t *testing.T) {
		lo, hi := v.Range(2550)
		assert.InDelta(t, 2422.5, lo, 1e-6)
		assert.InDelta(t, 2677.5, hi, 1e-6)
	})

	t.Run("absolute bounds tighten the band", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxAbsolute = 10200
		tv, err := New(cfg)
		require.NoError(t, err)

		lo, hi := tv.Range(10000)
		assert.InDelta(t, 9500, lo, 1e-6)
		assert.InDelta(t, 10200, hi, 1e-6)
	})
}

func TestValidateChapterBoundary(t *testing.T) {
	v := newValidator(t)

	atEdge := v.ValidateChapter(1, prose(2677, 1))
	assert.Equal(t, 2677, atEdge.WordCount)
	assert.True(t, atEdge.InRange)
	assert.True(t, atEdge.Valid, "quality %.1f", atEdge.QualityScore)

	past := v.ValidateChapter(2, prose(2679, 2))
	assert.False(t, past.InRange)
	assert.False(t, past.Valid)
	require.NotEmpty(t, past.Suggestions)
	assert.Equal(t, KindReduction, past.Suggestions[0].Kind)
	assert.Equal(t, SeverityWarning, past.Suggestions[0].Severity)
	assert.Contains(t, past.Suggestions[0].Message, "Cut at least 2 words")
}

func TestValidateChapterOnTarget(t *testing.T) {
	v := newValidator(t)
	r := v.ValidateChapter(3, prose(2550, 3))

	assert.Equal(t, 3, r.ChapterNumber)
	assert.Equal(t, 2550, r.Target)
	assert.Equal(t, 100.0, r.LengthScore)
	assert.Equal(t, 100.0, r.VocabularyScore)
	assert.Greater(t, r.DensityScore, 60.0)
	assert.Greater(t, r.RepetitionScore, 95.0)
	assert.GreaterOrEqual(t, r.QualityScore, 90.0)
	assert.True(t, r.Valid)
	assert.Len(t, r.KeyTerms, 5)
	for _, s := range r.Suggestions {
		assert.NotEqual(t, SeverityCritical, s.Severity, s.Message)
	}
}

func TestValidateChapterTooShort(t *testing.T) {
	v := newValidator(t)
	r := v.ValidateChapter(4, prose(1000, 4))

	assert.False(t, r.InRange)
	assert.False(t, r.Valid)
	assert.Less(t, r.LengthScore, 80.0)
	require.NotEmpty(t, r.Suggestions)
	first := r.Suggestions[0]
	assert.Equal(t, KindExpansion, first.Kind)
	assert.Equal(t, SeverityCritical, first.Severity)
	assert.Contains(t, first.Message, "1423")
	assert.Equal(t, 1000.0, first.Current)
	assert.Equal(t, 2550.0, first.Target)
}

func TestValidateRepetitiveText(t *testing.T) {
	v := newValidator(t)
	body := strings.Repeat("the old man walked slowly home again. ", 40)
	r := v.ValidateText(body, 280)

	assert.Greater(t, r.RepetitionRatio, 0.9)
	assert.Less(t, r.RepetitionScore, 10.0)
	assert.Less(t, r.VocabularyScore, 60.0)
	require.NotEmpty(t, r.RepeatedNGrams)
	assert.LessOrEqual(t, len(r.RepeatedNGrams), 5)

	var metrics []string
	for _, s := range r.Suggestions {
		metrics = append(metrics, s.Metric)
	}
	assert.Contains(t, metrics, "repetition_ratio")
	assert.Contains(t, metrics, "vocabulary_richness")
}

func TestValidateIsDeterministic(t *testing.T) {
	v := newValidator(t)
	body := prose(2500, 9)
	assert.Equal(t, v.ValidateChapter(1, body), v.ValidateChapter(1, body))
}

func TestSuggestionsOrderedBySeverity(t *testing.T) {
	v := newValidator(t)
	r := v.ValidateText(strings.Repeat("alpha beta gamma. ", 20), 2550)
	require.NotEmpty(t, r.Suggestions)
	for i := 1; i < len(r.Suggestions); i++ {
		assert.LessOrEqual(t, r.Suggestions[i-1].Severity.rank(), r.Suggestions[i].Severity.rank())
	}
}

func TestLengthScoreIsMonotone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tolerance = 0.15
	v, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, 100.0, v.lengthScore(1050, 1000))
	assert.InDelta(t, 80.0, v.lengthScore(1150, 1000), 1e-9)
	assert.InDelta(t, 90.0, v.lengthScore(900, 1000), 1e-9)

	prev := 101.0
	for wc := 1000; wc <= 3000; wc += 25 {
		s := v.lengthScore(wc, 1000)
		assert.LessOrEqual(t, s, prev)
		prev = s
	}
}

func TestRampScore(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"optimal", 0.03, 100},
		{"at optimal", 0.025, 100},
		{"midway", 0.0175, 80},
		{"at minimum", 0.01, 60},
		{"below minimum", 0.005, 30},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, rampScore(tt.value, 0.01, 0.025), 1e-9)
		})
	}
}

func TestRepetitionScore(t *testing.T) {
	v := newValidator(t)
	assert.InDelta(t, 98, v.repetitionScore(0.02), 1e-9)
	assert.InDelta(t, 95, v.repetitionScore(0.05), 1e-9)
	assert.InDelta(t, 55, v.repetitionScore(0.15), 1e-9)
	assert.Equal(t, 0.0, v.repetitionScore(0.5))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Result{
		{ChapterNumber: 1, WordCount: 2500, Valid: true, QualityScore: 90},
		{ChapterNumber: 2, WordCount: 1000, Valid: false, QualityScore: 50},
	})
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Valid)
	assert.Equal(t, 1, s.Invalid)
	assert.Equal(t, 3500, s.TotalWords)
	assert.InDelta(t, 70, s.AverageQuality, 1e-9)
	assert.Equal(t, []int{2}, s.InvalidChapters)

	assert.Equal(t, Summary{InvalidChapters: []int{}}, Summarize(nil))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights.Length = 0.9
	_, err := New(cfg)
	assert.ErrorContains(t, err, "weights must sum to 1")

	cfg = DefaultConfig()
	cfg.WordsPerChapter = 0
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestWithBook(t *testing.T) {
	cfg := DefaultConfig().WithBook(30000, 10)
	assert.Equal(t, 3000, cfg.WordsPerChapter)

	same := DefaultConfig().WithBook(0, 0)
	assert.Equal(t, 2550, same.WordsPerChapter)
}

func TestProseHelperWordCount(t *testing.T) {
	assert.Equal(t, 777, textanalysis.WordCount(prose(777, 5)))
}

func TestValidateTextIsRepeatable(t *testing.T) {
	v := newValidator(t)
	text := prose(2000, 11)

	first := v.ValidateText(text, 2000)
	for i := 0; i < 50; i++ {
		got := v.ValidateText(text, 2000)
		require.Equal(t, first.DensityScore, got.DensityScore, "run %d", i)
		require.Equal(t, first, got, "run %d", i)
	}
}
