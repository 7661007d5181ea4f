package textproc

import (
	"regexp"
	"strconv"
	"strings"
)

// questionMarker matches bilingual question markers: "Q3", "Question 3",
// "س3", "السؤال 3" with optional trailing punctuation, and bare numbered
// markers like "3." or "3)". Both Western and Arabic-Indic digits count.
var questionMarker = regexp.MustCompile(
	`(?i)(?:q(?:uestion)?|س|السؤال)\s*([0-9\x{0660}-\x{0669}]+)\s*[-:.)\x{060C}]?|([0-9\x{0660}-\x{0669}]+)\s*[-:.)\x{060C}]`)

// choiceLetter matches a parenthesized or period/paren-suffixed Latin
// option letter: "(B)", "b)", "C.".
var choiceLetter = regexp.MustCompile(`(?i)\(\s*([a-d])\s*\)|\b([a-d])\s*[.)]`)

// arabicChoices maps Arabic option glyphs to their Latin letters. The bare
// Alef form is included because normalization folds hamza variants onto it.
var arabicChoices = []struct {
	glyph  string
	letter string
}{
	{"أ", "A"},
	{"ا", "A"},
	{"ب", "B"},
	{"ج", "C"},
	{"د", "D"},
}

// SplitByQuestions locates question markers in normalized full-page text
// and returns the text between consecutive markers keyed by question
// number. Text from the last marker runs to the end of input.
func SplitByQuestions(text string) map[int]string {
	matches := questionMarker.FindAllStringSubmatchIndex(text, -1)
	segments := make(map[int]string, len(matches))
	for i, m := range matches {
		num, ok := markerNumber(text, m)
		if !ok {
			continue
		}
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		segment := strings.TrimSpace(text[start:end])
		if _, exists := segments[num]; !exists {
			segments[num] = segment
		}
	}
	return segments
}

// markerNumber extracts the question number from whichever alternative of
// questionMarker matched.
func markerNumber(text string, m []int) (int, bool) {
	for _, group := range []int{2, 4} {
		if m[group] < 0 {
			continue
		}
		digits := foldDigits(text[m[group]:m[group+1]])
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// foldDigits converts Arabic-Indic digits (U+0660..U+0669) to ASCII.
func foldDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x0660 && r <= 0x0669 {
			r = '0' + (r - 0x0660)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DetectChoice finds the selected multiple-choice letter in a segment.
// Latin patterns win over Arabic glyphs; within each, the first occurrence
// wins. The second return is false when no selection is present, which is
// not an error.
func DetectChoice(segment string) (string, bool) {
	if segment == "" {
		return "", false
	}
	if m := choiceLetter.FindStringSubmatch(segment); m != nil {
		letter := m[1]
		if letter == "" {
			letter = m[2]
		}
		return strings.ToUpper(letter), true
	}
	// Arabic option glyphs appear as standalone tokens.
	for _, field := range strings.Fields(segment) {
		token := strings.Trim(field, "().،")
		for _, c := range arabicChoices {
			if token == c.glyph {
				return c.letter, true
			}
		}
	}
	return "", false
}

// ChoiceIndex converts a detected letter to a zero-based option index:
// A=0, B=1, C=2, D=3. It returns -1 for anything else.
func ChoiceIndex(letter string) int {
	if len(letter) != 1 {
		return -1
	}
	i := int(letter[0] - 'A')
	if i < 0 || i > 3 {
		return -1
	}
	return i
}
