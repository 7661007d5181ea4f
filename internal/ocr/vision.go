package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// VisionRecognizer runs recognition through Google Cloud Vision. Credentials
// come from the process environment (GOOGLE_APPLICATION_CREDENTIALS).
type VisionRecognizer struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionRecognizer dials the Vision API. Close the recognizer when done.
func NewVisionRecognizer(ctx context.Context) (*VisionRecognizer, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionRecognizer{client: client}, nil
}

func (v *VisionRecognizer) Close() error {
	return v.client.Close()
}

// Recognize runs one OCR pass over an image file. ModeDocument uses the
// dense-text model and is the right choice for handwriting; ModeText uses
// the sparse-text model for clean printed pages.
func (v *VisionRecognizer) Recognize(ctx context.Context, imagePath string, mode RecognitionMode, languageHints []string) (Result, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return Result{}, fmt.Errorf("open scan: %w", err)
	}
	defer f.Close()

	img, err := vision.NewImageFromReader(f)
	if err != nil {
		return Result{}, fmt.Errorf("read scan %s: %w", imagePath, err)
	}
	imgCtx := &visionpb.ImageContext{LanguageHints: languageHints}

	if mode == ModeText {
		return v.detectText(ctx, img, imgCtx)
	}
	return v.detectDocument(ctx, img, imgCtx)
}

func (v *VisionRecognizer) detectDocument(ctx context.Context, img *visionpb.Image, imgCtx *visionpb.ImageContext) (Result, error) {
	annotation, err := v.client.DetectDocumentText(ctx, img, imgCtx)
	if err != nil {
		return Result{}, fmt.Errorf("detect document text: %w", err)
	}
	if annotation == nil {
		return Result{}, nil
	}

	var (
		tokens  []visionToken
		confSum float64
		words   int
	)
	for _, page := range annotation.Pages {
		for _, block := range page.Blocks {
			for _, para := range block.Paragraphs {
				for _, word := range para.Words {
					var b strings.Builder
					for _, sym := range word.Symbols {
						b.WriteString(sym.Text)
					}
					confSum += float64(word.Confidence)
					words++
					tokens = append(tokens, visionToken{
						Text:       b.String(),
						Confidence: float64(word.Confidence),
						Box:        vertices(word.BoundingBox),
					})
				}
			}
		}
	}

	res := Result{Text: annotation.Text}
	if words > 0 {
		res.Confidence = confSum / float64(words)
	}
	res.DetectedLanguage = dominantLanguage(annotation)
	if len(tokens) > 0 {
		res.Tokens, _ = json.Marshal(tokens)
	}
	return res, nil
}

func (v *VisionRecognizer) detectText(ctx context.Context, img *visionpb.Image, imgCtx *visionpb.ImageContext) (Result, error) {
	annotations, err := v.client.DetectTexts(ctx, img, imgCtx, 0)
	if err != nil {
		return Result{}, fmt.Errorf("detect text: %w", err)
	}
	if len(annotations) == 0 {
		return Result{}, nil
	}

	// The first annotation covers the whole image; the rest are per word.
	full := annotations[0]
	res := Result{
		Text:             full.Description,
		DetectedLanguage: full.Locale,
	}
	var tokens []visionToken
	var confSum float64
	for _, a := range annotations[1:] {
		confSum += float64(a.Confidence)
		tokens = append(tokens, visionToken{
			Text:       a.Description,
			Confidence: float64(a.Confidence),
			Box:        vertices(a.BoundingPoly),
		})
	}
	if len(tokens) > 0 {
		res.Confidence = confSum / float64(len(tokens))
		res.Tokens, _ = json.Marshal(tokens)
	}
	return res, nil
}

type visionToken struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Box        []vertex `json:"box,omitempty"`
}

type vertex struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func vertices(poly *visionpb.BoundingPoly) []vertex {
	if poly == nil {
		return nil
	}
	vs := make([]vertex, 0, len(poly.Vertices))
	for _, v := range poly.Vertices {
		vs = append(vs, vertex{X: v.X, Y: v.Y})
	}
	return vs
}

// dominantLanguage returns the highest-confidence language detected across
// the document's pages.
func dominantLanguage(annotation *visionpb.TextAnnotation) string {
	var (
		lang string
		best float32
	)
	for _, page := range annotation.Pages {
		if page.Property == nil {
			continue
		}
		for _, dl := range page.Property.DetectedLanguages {
			if dl.Confidence >= best {
				best = dl.Confidence
				lang = dl.LanguageCode
			}
		}
	}
	return lang
}
