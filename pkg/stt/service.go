// Package stt is the client for the asynchronous transcription provider.
// Submissions return a job id; results arrive later on the transcription
// webhook, signed with the shared secret.
package stt

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured means no provider API key is set. Submissions cannot
// succeed until the deployment is configured.
var ErrNotConfigured = errors.New("stt api key is not configured")

// SignatureHeader carries the callback signature, formatted
// "t=<unix>,v0=<hex of HMAC-SHA256(secret, "<t>.<body>")>".
const SignatureHeader = "X-Stt-Signature"

// callbackTolerance bounds how stale a signed callback may be.
const callbackTolerance = 5 * time.Minute

type STTConfig struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	// CallbackSecret signs provider callbacks. Distinct from the API key.
	CallbackSecret string
}

type STTService struct {
	config *STTConfig
	client *http.Client
}

func NewSTTService(config *STTConfig) *STTService {
	return &STTService{
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitRequest struct {
	AudioURL   string            `json:"audio_url"`
	WebhookURL string            `json:"webhook_url"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// TranscriptTurn is one diarized speaker turn of the finished transcript.
type TranscriptTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms,omitempty"`
}

// CallbackPayload is what the provider posts to the transcription webhook.
// Completed callbacks carry the diarized turns; the flat transcript field
// is kept for providers without speaker attribution.
type CallbackPayload struct {
	JobID      string            `json:"job_id"`
	Status     string            `json:"status"`
	Turns      []TranscriptTurn  `json:"turns,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TranscriptText flattens the turns into speaker-labelled lines, falling
// back to the flat transcript when the provider sent none.
func (p *CallbackPayload) TranscriptText() string {
	if len(p.Turns) == 0 {
		return p.Transcript
	}
	var b strings.Builder
	for i, turn := range p.Turns {
		if i > 0 {
			b.WriteString("\n")
		}
		if turn.Speaker != "" {
			b.WriteString(turn.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(turn.Text)
	}
	return b.String()
}

const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)

// SubmitTranscription enqueues the audio for transcription. The metadata is
// echoed back verbatim on the callback, which is how results are correlated
// to call sessions.
func (s *STTService) SubmitTranscription(ctx context.Context, audioURL string, metadata map[string]string) (*SubmitResponse, error) {
	if s.config.APIKey == "" {
		return nil, ErrNotConfigured
	}

	payload := submitRequest{
		AudioURL:   audioURL,
		WebhookURL: s.config.CallbackURL,
		Metadata:   metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/transcriptions", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response SubmitResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if response.JobID == "" {
		return nil, fmt.Errorf("provider returned no job id")
	}

	return &response, nil
}

// VerifyCallbackSignature checks the timestamped HMAC on a provider
// callback. The signed content is "<t>.<raw body>"; signatures older than
// the tolerance are rejected to stop replays.
func (s *STTService) VerifyCallbackSignature(header string, body []byte, now time.Time) bool {
	return VerifySignature(header, body, s.config.CallbackSecret, now)
}

func VerifySignature(header string, body []byte, secret string, now time.Time) bool {
	if header == "" || secret == "" {
		return false
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return false
		}
		switch k {
		case "t":
			ts = v
		case "v0":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(sent, 0))
	if age > callbackTolerance || age < -callbackTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// SignPayload produces a callback signature. Tests and the provider
// simulator use it.
func SignPayload(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
