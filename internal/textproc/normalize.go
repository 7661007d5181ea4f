// Package textproc cleans and segments recognized text before extraction
// and grading. All functions are pure and idempotent: applying them twice
// yields the same string.
package textproc

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// arabicMarks covers the tashkeel diacritics (U+064B..U+065F), the
// superscript alef (U+0670), and the tatweel elongation (U+0640).
var arabicMarks = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0640, Hi: 0x0640, Stride: 1},
		{Lo: 0x064B, Hi: 0x065F, Stride: 1},
		{Lo: 0x0670, Hi: 0x0670, Stride: 1},
	},
}

// arabicTransform folds letter variants and strips diacritics in one pass.
var arabicTransform = transform.Chain(
	runes.Map(foldArabicRune),
	runes.Remove(runes.In(arabicMarks)),
)

func foldArabicRune(r rune) rune {
	switch r {
	case 'أ', 'إ', 'آ': // Alef with hamza/madda -> bare Alef
		return 'ا'
	case 'ة': // Teh Marbuta -> Heh
		return 'ه'
	}
	return r
}

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:])`)
	punctNoSpace     = regexp.MustCompile(`([,;:!?])(\pL)`)
	comparisonPunct  = regexp.MustCompile(`[,;:!?'"()]`)
)

// Normalize cleans raw OCR output. Whitespace runs collapse to single
// spaces and the result is trimmed. Arabic rules (Alef/Teh-Marbuta folding,
// diacritic and tatweel stripping) apply when language includes Arabic;
// Latin punctuation spacing rules apply when it includes English. For
// "mixed" both apply, Arabic first.
func Normalize(raw, language string) string {
	if raw == "" {
		return ""
	}
	text := strings.Join(strings.Fields(raw), " ")

	if language == "ar" || language == "mixed" {
		text = NormalizeArabic(text)
	}
	if language == "en" || language == "mixed" {
		text = tightenPunctuation(text)
	}
	return text
}

// NormalizeArabic folds Alef variants to bare Alef, Teh Marbuta to Heh, and
// strips tashkeel and tatweel.
func NormalizeArabic(text string) string {
	out, _, err := transform.String(arabicTransform, text)
	if err != nil {
		return text
	}
	return strings.Join(strings.Fields(out), " ")
}

// tightenPunctuation removes space before punctuation ("x ." -> "x.") and
// inserts a space after punctuation glued to a letter ("x,y" -> "x, y").
// Digits after punctuation are left alone so decimals survive.
func tightenPunctuation(text string) string {
	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	text = punctNoSpace.ReplaceAllString(text, "$1 $2")
	return text
}

// NormalizeForMatch prepares text for grading comparisons: Normalize rules
// for the given language, lowercased, with comparison-irrelevant
// punctuation removed. Math and science notation (+, -, =, %, .) survives.
func NormalizeForMatch(text, language string) string {
	text = Normalize(text, language)
	text = strings.ToLower(text)
	text = comparisonPunct.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
