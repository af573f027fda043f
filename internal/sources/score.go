// Package sources scores bibliographic sources for relevance to a subject
// and credibility, optionally checks that their URLs answer, and caches
// the verdicts.
package sources

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/textanalysis"
)

// Verdict thresholds.
const (
	MinRelevance   = 0.3
	MinCredibility = 0.4
)

var yearRe = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)

// credibility by host suffix, most specific first
var hostCredibility = []struct {
	suffix string
	score  float64
}{
	{".gov", 0.9},
	{".edu", 0.9},
	{".ac.uk", 0.9},
	{"archive.org", 0.85},
	{"jstor.org", 0.9},
	{"britannica.com", 0.85},
	{"bbc.co.uk", 0.75},
	{"nytimes.com", 0.75},
	{"theguardian.com", 0.75},
	{"wikipedia.org", 0.6},
	{"medium.com", 0.35},
	{"blogspot.com", 0.3},
	{"wordpress.com", 0.3},
}

var typeCredibility = map[model.SourceType]float64{
	model.SourceTypeAcademic: 0.85,
	model.SourceTypeBook:     0.75,
	model.SourceTypeArchive:  0.8,
	model.SourceTypeNews:     0.65,
	model.SourceTypeWeb:      0.5,
	model.SourceTypeOther:    0.45,
}

// Relevance is the share of the topic's content words that appear in the
// source's title, author or URL, in [0, 1].
func Relevance(in model.SourceInput, topic string) float64 {
	terms := contentTerms(topic)
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(textanalysis.FoldDiacritics(strings.Join([]string{
		in.Title, in.Author, urlWords(in.URL),
	}, " ")))
	found := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

// Credibility rates the source from its host, declared type and
// bibliographic completeness, in [0, 1].
func Credibility(in model.SourceInput) float64 {
	score := 0.0
	if in.URL == "" {
		score = typeCredibility[in.SourceType]
		if score == 0 {
			score = typeCredibility[model.SourceTypeBook]
		}
	} else {
		score = hostScore(in.URL)
		if t, ok := typeCredibility[in.SourceType]; ok {
			score = (score + t) / 2
		}
		if strings.HasPrefix(strings.ToLower(in.URL), "https://") {
			score += 0.05
		}
	}
	if in.Author != "" {
		score += 0.05
	}
	if yearRe.MatchString(in.PublicationDate) {
		score += 0.05
	}
	return clamp(score)
}

// Score returns the verdict for in without any network check.
func Score(in model.SourceInput, topic string) model.SourceVerdict {
	v := model.SourceVerdict{
		URL:              in.URL,
		Title:            in.Title,
		RelevanceScore:   round(Relevance(in, topic)),
		CredibilityScore: round(Credibility(in)),
	}
	if v.Title == "" {
		v.Title = in.URL
	}
	if v.RelevanceScore >= MinRelevance && v.CredibilityScore >= MinCredibility {
		v.Status = model.SourceStatusValid
	} else {
		v.Status = model.SourceStatusInvalid
	}
	return v
}

func hostScore(raw string) float64 {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0.2
	}
	host := strings.ToLower(u.Hostname())
	for _, hc := range hostCredibility {
		if strings.HasSuffix(host, hc.suffix) {
			return hc.score
		}
	}
	return 0.5
}

func contentTerms(topic string) []string {
	var terms []string
	seen := make(map[string]struct{})
	for _, t := range textanalysis.Tokens(textanalysis.FoldDiacritics(topic)) {
		if len(t) < 3 || textanalysis.IsStopword(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

// urlWords turns a URL path into space-separated words.
func urlWords(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.NewReplacer("/", " ", "-", " ", "_", " ", ".", " ").Replace(u.Host + u.Path)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
