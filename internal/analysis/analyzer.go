// Package analysis turns call transcripts into the digest persisted on the
// session: a short summary, overall sentiment, actionable insights, and any
// competitors the customer brought up.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// maxTranscriptChars bounds the prompt. Hour-long calls overflow the model
// context otherwise; the tail carries the wrap-up so it is kept.
const maxTranscriptChars = 48000

type Analyzer struct {
	client *openai.Client
	model  string
}

func NewAnalyzer(apiKey, baseURL, model string) *Analyzer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Analyzer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// CallMeta gives the model conversation framing it cannot infer from the
// transcript alone.
type CallMeta struct {
	Direction      string
	AgentName      string
	CustomerNumber string
}

// Digest is the analysis result stored on the call session and mirrored to
// the CRM note.
type Digest struct {
	Summary            string   `json:"summary"`
	Sentiment          string   `json:"sentiment"`
	Insights           []string `json:"insights"`
	CompetitorMentions []string `json:"competitor_mentions"`
}

const systemPrompt = `You analyze transcripts of business phone calls. Respond with a JSON object containing exactly these keys:
- "summary": 2-3 sentences covering why the customer called and how it was left.
- "sentiment": one of "positive", "neutral", "negative" for the customer's overall tone.
- "insights": up to 5 short strings with action items, commitments, objections or risks. Empty array if none.
- "competitor_mentions": names of competing vendors or products the customer brought up. Empty array if none.`

// Analyze produces the digest for one transcript.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, meta CallMeta) (*Digest, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, fmt.Errorf("transcript is empty")
	}
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[len(transcript)-maxTranscriptChars:]
	}

	userPrompt := fmt.Sprintf("Direction: %s\nAgent: %s\nCustomer: %s\n\nTranscript:\n%s",
		meta.Direction, meta.AgentName, meta.CustomerNumber, transcript)

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	digest, err := parseDigest(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// parseDigest decodes the model output, tolerating markdown fences some
// models wrap JSON in despite the response format.
func parseDigest(content string) (*Digest, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var digest Digest
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &digest); err != nil {
		return nil, fmt.Errorf("failed to parse analysis output: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(digest.Sentiment)) {
	case "positive":
		digest.Sentiment = "positive"
	case "negative":
		digest.Sentiment = "negative"
	default:
		digest.Sentiment = "neutral"
	}

	if digest.Summary == "" {
		return nil, fmt.Errorf("analysis output missing summary")
	}
	return &digest, nil
}
