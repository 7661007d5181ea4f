package ocr

import "context"

// RecognitionMode selects the provider's detection model.
type RecognitionMode string

const (
	// ModeText suits clean machine-printed text.
	ModeText RecognitionMode = "text"
	// ModeDocument suits handwriting and dense page layouts.
	ModeDocument RecognitionMode = "document"
)

// Result is one provider pass over one image.
type Result struct {
	Text             string
	Confidence       float64 // mean word confidence, 0..1
	DetectedLanguage string  // BCP-47 code of the dominant language, may be empty
	Tokens           []byte  // provider token boxes and confidences, opaque JSON
}

// Recognizer turns a scanned page into text. Implementations must be safe
// for concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string, mode RecognitionMode, languageHints []string) (Result, error)
}
