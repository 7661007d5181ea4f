package textproc

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		language string
		want     string
	}{
		{"empty", "", "en", ""},
		{"whitespace collapse", "the  answer\n\t is   here", "en", "the answer is here"},
		{"trim", "  padded  ", "en", "padded"},
		{"space before punctuation", "the nile .", "en", "the nile."},
		{"glued comma", "nile,africa", "en", "nile, africa"},
		{"decimal untouched", "pi is 3,14 here", "en", "pi is 3,14 here"},
		{"alef folding", "أحمد إلى آخر", "ar", "احمد الى اخر"},
		{"teh marbuta", "مدرسة", "ar", "مدرسه"},
		{"tashkeel stripped", "مَدْرَسَة", "ar", "مدرسه"},
		{"tatweel stripped", "مـــدرسة", "ar", "مدرسه"},
		{"mixed applies both", "مَدرسة and  x ,y", "mixed", "مدرسه and x, y"},
		{"english rules skip arabic text", "مَدْرَسَة", "en", "مَدْرَسَة"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw, tt.language)
			if got != tt.want {
				t.Errorf("Normalize(%q, %q) = %q, want %q", tt.raw, tt.language, got, tt.want)
			}
		})
	}
}

// Normalization must be idempotent: feeding its output back in changes nothing.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"the  answer\n is   here .",
		"أحمد إلى آخر مَدْرَسَة",
		"مَدرسة and x ,y together",
		"",
	}
	for _, language := range []string{"en", "ar", "mixed"} {
		for _, raw := range inputs {
			once := Normalize(raw, language)
			twice := Normalize(once, language)
			if once != twice {
				t.Errorf("Normalize not idempotent for (%q, %q): %q != %q", raw, language, once, twice)
			}
		}
	}
}

func TestNormalizeForMatch(t *testing.T) {
	tests := []struct {
		text     string
		language string
		want     string
	}{
		{"The Nile, in Africa!", "en", "the nile in africa"},
		{"E = mc^2 gives 50%", "en", "e = mc^2 gives 50%"},
		{"\"quoted\" (aside)", "en", "quoted aside"},
		{"النِّيلُ أطول نهر", "ar", "النيل اطول نهر"},
	}
	for _, tt := range tests {
		got := NormalizeForMatch(tt.text, tt.language)
		if got != tt.want {
			t.Errorf("NormalizeForMatch(%q, %q) = %q, want %q", tt.text, tt.language, got, tt.want)
		}
	}
}
