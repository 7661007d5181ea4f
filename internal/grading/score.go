package grading

import (
	"math"
	"strings"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/textproc"
)

// Config holds the tunable grading and triage thresholds. Values come from
// configuration so grading behavior can be adjusted without code changes.
type Config struct {
	// OCRConfidenceThreshold is the floor below which an answer is flagged
	// high priority regardless of its grade.
	OCRConfidenceThreshold float64
	// GradingConfidenceLow and GradingConfidenceMid bound the low and
	// medium grading-confidence review bands.
	GradingConfidenceLow float64
	GradingConfidenceMid float64
	// FuzzyThreshold is the per-token similarity at which a keyword counts
	// as matched without appearing verbatim.
	FuzzyThreshold float64
	// PhraseMatch compares multi-word keywords against the whole answer
	// instead of token by token.
	PhraseMatch bool
}

// DefaultConfig returns the thresholds the original grading rules were
// tuned with.
func DefaultConfig() Config {
	return Config{
		OCRConfidenceThreshold: 0.70,
		GradingConfidenceLow:   0.40,
		GradingConfidenceMid:   0.70,
		FuzzyThreshold:         0.80,
	}
}

// KeywordMatch is the outcome of matching an answer against a keyword list.
type KeywordMatch struct {
	Ratio   float64
	Matched []string
	Missing []string
}

// MatchKeywords reports which keywords appear in the student answer. A
// keyword matches if its normalized form appears verbatim in the normalized
// answer, or if any answer token (or the whole answer, in phrase mode) is
// similar enough under the fuzzy threshold.
func MatchKeywords(answer string, keywords []string, language string, cfg Config) KeywordMatch {
	if len(keywords) == 0 {
		return KeywordMatch{}
	}
	normalized := textproc.NormalizeForMatch(answer, language)
	tokens := strings.Fields(normalized)

	var m KeywordMatch
	for _, kw := range keywords {
		normKw := textproc.NormalizeForMatch(kw, language)
		if normKw != "" && strings.Contains(normalized, normKw) {
			m.Matched = append(m.Matched, kw)
			continue
		}
		if matchFuzzy(normKw, normalized, tokens, cfg) {
			m.Matched = append(m.Matched, kw)
			continue
		}
		m.Missing = append(m.Missing, kw)
	}
	m.Ratio = float64(len(m.Matched)) / float64(len(keywords))
	return m
}

func matchFuzzy(keyword, answer string, tokens []string, cfg Config) bool {
	if keyword == "" {
		return false
	}
	if cfg.PhraseMatch && strings.Contains(keyword, " ") {
		return Ratio(answer, keyword) >= cfg.FuzzyThreshold
	}
	for _, tok := range tokens {
		if Ratio(tok, keyword) >= cfg.FuzzyThreshold {
			return true
		}
	}
	return false
}

// CalculateScore maps a match ratio through the named strictness curve.
// The returned score ratio is in [0, 1] and confidence in (0, 1].
func CalculateScore(matchRatio float64, strictness model.Strictness) (scoreRatio, confidence float64) {
	switch strictness {
	case model.StrictnessStrict:
		switch {
		case matchRatio >= 0.85:
			return 1.0, 0.95
		case matchRatio >= 0.70:
			return 0.75, 0.80
		case matchRatio >= 0.50:
			return 0.50, 0.60
		default:
			return 0.0, 0.40
		}
	case model.StrictnessLenient:
		switch {
		case matchRatio >= 0.50:
			return matchRatio, 0.85
		case matchRatio >= 0.30:
			return matchRatio * 0.8, 0.65
		default:
			return matchRatio * 0.5, 0.45
		}
	default: // normal
		switch {
		case matchRatio >= 0.70:
			return 1.0, 0.90
		case matchRatio >= 0.50:
			return 0.75, 0.75
		case matchRatio >= 0.30:
			return 0.50, 0.55
		default:
			return matchRatio, 0.40
		}
	}
}

// Score converts a score ratio to awarded points, rounded to two decimals
// and clamped to the question's maximum.
func Score(scoreRatio, points float64) float64 {
	score := round2(scoreRatio * points)
	return math.Min(score, points)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
