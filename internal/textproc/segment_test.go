package textproc

import "testing"

func TestSplitByQuestions(t *testing.T) {
	text := "Q1: The Nile is the longest river Q2) It flows north Question 3 - Cairo is the capital"
	segments := SplitByQuestions(text)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(segments), segments)
	}
	if segments[1] != "The Nile is the longest river" {
		t.Errorf("segment 1 = %q", segments[1])
	}
	if segments[2] != "It flows north" {
		t.Errorf("segment 2 = %q", segments[2])
	}
	if segments[3] != "Cairo is the capital" {
		t.Errorf("segment 3 = %q", segments[3])
	}
}

func TestSplitByQuestionsArabic(t *testing.T) {
	text := "س1: النيل اطول نهر س٢ - يصب في البحر"
	segments := SplitByQuestions(text)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d: %v", len(segments), segments)
	}
	if segments[1] != "النيل اطول نهر" {
		t.Errorf("segment 1 = %q", segments[1])
	}
	if segments[2] != "يصب في البحر" {
		t.Errorf("segment 2 = %q (Arabic-Indic digit not folded?)", segments[2])
	}
}

func TestSplitByQuestionsBareNumbers(t *testing.T) {
	text := "1. first answer 2) second answer"
	segments := SplitByQuestions(text)
	if segments[1] != "first answer" || segments[2] != "second answer" {
		t.Errorf("unexpected segments: %v", segments)
	}
}

// The first occurrence of a question number wins; a later duplicate marker
// (a misread, or the number quoted inside an answer) must not replace it.
func TestSplitByQuestionsFirstWins(t *testing.T) {
	text := "Q1: the real answer Q1: a misread duplicate"
	segments := SplitByQuestions(text)
	if segments[1] != "the real answer" {
		t.Errorf("duplicate marker replaced first segment: %q", segments[1])
	}
}

func TestSplitByQuestionsNoMarkers(t *testing.T) {
	segments := SplitByQuestions("just prose with no markers at all")
	if len(segments) != 0 {
		t.Errorf("expected no segments, got %v", segments)
	}
}

func TestDetectChoice(t *testing.T) {
	tests := []struct {
		segment string
		want    string
		ok      bool
	}{
		{"(B)", "B", true},
		{"( c )", "C", true},
		{"b)", "B", true},
		{"D.", "D", true},
		{"the answer is (a) because", "A", true},
		{"ب", "B", true},
		{"اخترت ج لان", "C", true},
		{"أ", "A", true},
		{"", "", false},
		{"no selection here", "", false},
	}
	for _, tt := range tests {
		got, ok := DetectChoice(tt.segment)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DetectChoice(%q) = (%q, %v), want (%q, %v)", tt.segment, got, ok, tt.want, tt.ok)
		}
	}
}

func TestChoiceIndex(t *testing.T) {
	tests := []struct {
		letter string
		want   int
	}{
		{"A", 0}, {"B", 1}, {"C", 2}, {"D", 3},
		{"E", -1}, {"", -1}, {"AB", -1},
	}
	for _, tt := range tests {
		if got := ChoiceIndex(tt.letter); got != tt.want {
			t.Errorf("ChoiceIndex(%q) = %d, want %d", tt.letter, got, tt.want)
		}
	}
}
