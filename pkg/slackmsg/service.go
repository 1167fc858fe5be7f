// Package slackmsg posts and edits the consent prompts agents respond to.
// Decisions come back through the interaction webhook as block actions.
package slackmsg

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Block action identifiers the interaction handler matches on.
const (
	BlockConsentDecision = "consent_decision"
	ActionApprove        = "consent_approve"
	ActionDecline        = "consent_decline"
)

type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
}

type SlackService struct {
	client *slack.Client
	config *SlackConfig
}

func NewSlackService(config *SlackConfig) *SlackService {
	return &SlackService{
		client: slack.New(config.BotToken),
		config: config,
	}
}

// ConsentPrompt describes one consent ask. The consent request id rides in
// the button values so the callback can resolve the right record.
type ConsentPrompt struct {
	ConsentRequestID string
	SlackUserID      string
	AgentName        string
	CustomerNumber   string
	Direction        string
	ExpiresAt        time.Time
}

// PostConsentPrompt sends the interactive prompt and returns the message
// coordinates needed to edit it in place once resolved.
func (s *SlackService) PostConsentPrompt(ctx context.Context, channelID string, prompt ConsentPrompt) (string, string, error) {
	headline := fmt.Sprintf("<@%s> you were on an %s call with %s. Approve transcription and analysis of the recording?",
		prompt.SlackUserID, prompt.Direction, prompt.CustomerNumber)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Call insights consent*\n"+headline, false, false),
			nil, nil,
		),
		slack.NewActionBlock(BlockConsentDecision,
			slack.NewButtonBlockElement(ActionApprove, prompt.ConsentRequestID,
				slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(ActionDecline, prompt.ConsentRequestID,
				slack.NewTextBlockObject(slack.PlainTextType, "Decline", false, false)).WithStyle(slack.StyleDanger),
		),
	}
	if !prompt.ExpiresAt.IsZero() {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("No response by %s counts as declined.", prompt.ExpiresAt.UTC().Format("15:04 MST, Jan 2")), false, false),
		))
	}

	channel, ts, err := s.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(headline, false),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to post consent prompt: %w", err)
	}
	return channel, ts, nil
}

// PostReminder nudges the agent in the prompt's thread.
func (s *SlackService) PostReminder(ctx context.Context, channelID, threadTS, slackUserID string) error {
	text := fmt.Sprintf("<@%s> reminder: the consent request above is still waiting on you.", slackUserID)
	_, _, err := s.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return fmt.Errorf("failed to post consent reminder: %w", err)
	}
	return nil
}

// UpdateResolved replaces the prompt with the outcome, removing the buttons
// so the message cannot be acted on twice.
func (s *SlackService) UpdateResolved(ctx context.Context, channelID, ts, outcome string) error {
	_, _, _, err := s.client.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, "*Call insights consent*\n"+outcome, false, false),
				nil, nil,
			),
		),
		slack.MsgOptionText(outcome, false),
	)
	if err != nil {
		return fmt.Errorf("failed to update consent prompt: %w", err)
	}
	return nil
}

// VerifyRequest checks the Slack signature on an interaction delivery.
func VerifyRequest(header http.Header, body []byte, signingSecret string) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("failed to init signature verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("failed to hash request body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}
	return nil
}
