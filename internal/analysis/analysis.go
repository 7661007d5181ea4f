// Package analysis provides an optional AI second opinion on answers that
// the automated grader flagged for review.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tashih-io/tashih/internal/model"
)

// Assessment is the model's judgement of one answer.
type Assessment struct {
	SuggestedScore float64 `json:"suggested_score"`
	MaxPoints      float64 `json:"max_points"`
	Rationale      string  `json:"rationale"`
	Confidence     float64 `json:"confidence"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates an analysis client. baseURL may be empty for the default
// OpenAI endpoint, or point at any compatible server.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Assess asks the model to judge a student answer against its key.
func (c *Client) Assess(ctx context.Context, question model.Question, key model.AnswerKey, answerText string) (*Assessment, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(question, key)},
			{Role: openai.ChatMessageRoleUser, Content: buildAnswerPrompt(answerText)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("parse analysis response: %w (raw: %s)", err, raw)
	}
	a.MaxPoints = key.Points
	return &a, nil
}

// AnalyzeAnswer implements the grading engine's Analyzer interface: it runs
// an assessment and renders it as a one-line review note.
func (c *Client) AnalyzeAnswer(ctx context.Context, question model.Question, key model.AnswerKey, answerText string) (string, error) {
	a, err := c.Assess(ctx, question, key, answerText)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("AI assessment: %.2f/%.2f (confidence %.0f%%): %s",
		a.SuggestedScore, a.MaxPoints, a.Confidence*100, a.Rationale), nil
}

// Ping verifies the endpoint is reachable and the model exists.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.GetModel(ctx, c.model); err != nil {
		return fmt.Errorf("analysis endpoint: %w", err)
	}
	return nil
}

func buildSystemPrompt(q model.Question, key model.AnswerKey) string {
	var sb strings.Builder
	sb.WriteString("You are grading one answer from a scanned, OCR-transcribed exam paper. ")
	sb.WriteString("The transcription may contain recognition mistakes; judge the intent, not the spelling.\n\n")
	sb.WriteString("QUESTION: " + q.Text + "\n\n")
	sb.WriteString(fmt.Sprintf("MAX POINTS: %g\n\n", key.Points))
	if key.Type == model.MultipleChoice {
		sb.WriteString("This is a multiple choice question. The correct option is option ID " + key.CorrectAnswer + ".\n\n")
	} else {
		sb.WriteString("REFERENCE ANSWER (not shown to student):\n" + key.CorrectAnswer + "\n\n")
		if len(key.Keywords) > 0 {
			sb.WriteString("KEY CONCEPTS: " + strings.Join(key.Keywords, ", ") + "\n\n")
		}
		sb.WriteString(fmt.Sprintf("GRADING STRICTNESS: %s\n\n", key.Strictness))
	}
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"suggested_score": <number 0 to max_points>, "max_points": <max_points>, "rationale": "<brief justification>", "confidence": <0 to 1>}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildAnswerPrompt(answerText string) string {
	if strings.TrimSpace(answerText) == "" {
		return "STUDENT ANSWER: (no legible answer was transcribed)"
	}
	return "STUDENT ANSWER:\n" + answerText
}
