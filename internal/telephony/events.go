// Package telephony normalizes PBX connector webhooks into the internal
// event taxonomy and authenticates their deliveries.
package telephony

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/phone"
)

// EventType is the closed internal event taxonomy
type EventType string

const (
	EventCallStarted    EventType = "call.started"
	EventCallAnswered   EventType = "call.answered"
	EventCallEnded      EventType = "call.ended"
	EventRecordingReady EventType = "call.recording.ready"
)

// providerEvents maps the PBX vocabulary, including the aliases different
// firmware versions emit, onto the internal taxonomy. Names missing here are
// acknowledged and dropped.
var providerEvents = map[string]EventType{
	"ringing":         EventCallStarted,
	"ring":            EventCallStarted,
	"answer":          EventCallAnswered,
	"answered":        EventCallAnswered,
	"hangup":          EventCallEnded,
	"hang-up":         EventCallEnded,
	"bye":             EventCallEnded,
	"recording-ready": EventRecordingReady,
	"recording_ready": EventRecordingReady,
}

var (
	// ErrUnknownEvent marks provider event names outside the taxonomy.
	ErrUnknownEvent = errors.New("unknown provider event")
	// ErrMissingOrg marks payloads without an organization id.
	ErrMissingOrg = errors.New("missing org id")
	// ErrMissingCallIdentity marks payloads that carry neither a unique id
	// nor the endpoints needed to synthesize one.
	ErrMissingCallIdentity = errors.New("missing call identity")
)

// WebhookPayload is the PBX connector's JSON body.
type WebhookPayload struct {
	Event        string `json:"event"`
	UniqueID     string `json:"unique_id"`
	OrgID        string `json:"org_id"`
	Direction    string `json:"direction"`
	From         string `json:"from"`
	To           string `json:"to"`
	Agent        string `json:"agent"`
	RecordingURL string `json:"recording_url,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	AuthToken    string `json:"auth_token,omitempty"`
}

// CallEvent is one normalized lifecycle event. CallID is the correlation key
// for every downstream record.
type CallEvent struct {
	Type         EventType
	CallID       string
	OrgID        string
	Direction    domain.CallDirection
	From         string
	To           string
	AgentRef     string
	RecordingURL string
	OccurredAt   time.Time
}

// Normalize validates a provider payload and maps it into the internal
// taxonomy. Unknown event names return ErrUnknownEvent so the caller can
// acknowledge without processing.
func Normalize(p *WebhookPayload) (*CallEvent, error) {
	if strings.TrimSpace(p.OrgID) == "" {
		return nil, ErrMissingOrg
	}

	eventType, ok := providerEvents[strings.ToLower(strings.TrimSpace(p.Event))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, p.Event)
	}

	occurredAt := time.Now().UTC()
	if p.Timestamp > 0 {
		occurredAt = time.Unix(p.Timestamp, 0).UTC()
	}

	callID := strings.TrimSpace(p.UniqueID)
	if callID == "" {
		if strings.TrimSpace(p.From) == "" || strings.TrimSpace(p.To) == "" {
			return nil, ErrMissingCallIdentity
		}
		callID = SynthesizeCallID(p.From, p.To, occurredAt)
	}

	return &CallEvent{
		Type:         eventType,
		CallID:       callID,
		OrgID:        p.OrgID,
		Direction:    parseDirection(p.Direction),
		From:         phone.Canonical(p.From),
		To:           phone.Canonical(p.To),
		AgentRef:     strings.TrimSpace(p.Agent),
		RecordingURL: strings.TrimSpace(p.RecordingURL),
		OccurredAt:   occurredAt,
	}, nil
}

// SynthesizeCallID derives a stable identifier from the endpoints and the
// event timestamp for providers that omit a unique id. Replays of the same
// event produce the same id.
func SynthesizeCallID(from, to string, at time.Time) string {
	sum := sha1.Sum([]byte(phone.Canonical(from) + "|" + phone.Canonical(to) + "|" + at.UTC().Format(time.RFC3339)))
	return "syn-" + hex.EncodeToString(sum[:])
}

func parseDirection(raw string) domain.CallDirection {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "outbound", "out", "originate":
		return domain.DirectionOutbound
	default:
		return domain.DirectionInbound
	}
}
