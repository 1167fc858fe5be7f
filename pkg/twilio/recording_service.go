// Package twilio locates call recordings on the org's Twilio SIP trunk.
// Credentials are per org, so the REST client is built per lookup rather
// than held on the service.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/pkg/logger"
)

// ErrRecordingNotFound means the trunk has no recording for the call yet.
// Recordings can lag the hangup by minutes, so callers usually retry.
var ErrRecordingNotFound = errors.New("recording not found")

// Credentials are the org's Twilio API credentials.
type Credentials struct {
	AccountSID string
	AuthToken  string
}

// CallQuery narrows the trunk's call log to the session being resolved.
// Around is the session start; Window bounds the search on both sides.
type CallQuery struct {
	From   string
	To     string
	Around time.Time
	Window time.Duration
}

// Recording is a located trunk recording. MediaURL points at the mp3 and
// requires the account credentials as HTTP basic auth.
type Recording struct {
	CallSID      string
	RecordingSID string
	MediaURL     string
	Duration     int
}

type RecordingService struct {
	pageLimit int
}

func NewRecordingService() *RecordingService {
	return &RecordingService{pageLimit: 20}
}

// FindRecording matches the session endpoints against the trunk call log and
// returns the newest completed recording. Calls with zero duration are
// skipped; they never produce recordings.
func (s *RecordingService) FindRecording(ctx context.Context, creds Credentials, q CallQuery) (*Recording, error) {
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, fmt.Errorf("twilio credentials are not configured")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: creds.AccountSID,
		Password: creds.AuthToken,
	})

	window := q.Window
	if window <= 0 {
		window = 10 * time.Minute
	}

	params := &api.ListCallParams{}
	if q.To != "" {
		params.SetTo(q.To)
	}
	if q.From != "" {
		params.SetFrom(q.From)
	}
	if !q.Around.IsZero() {
		params.SetStartTimeAfter(q.Around.Add(-window))
		params.SetStartTimeBefore(q.Around.Add(window))
	}
	params.SetLimit(s.pageLimit)

	calls, err := client.Api.ListCall(params)
	if err != nil {
		return nil, fmt.Errorf("failed to list trunk calls: %w", err)
	}

	callSID := pickCall(calls, q.Around)
	if callSID == "" {
		return nil, ErrRecordingNotFound
	}

	recParams := &api.ListCallRecordingParams{}
	recParams.SetLimit(s.pageLimit)
	recordings, err := client.Api.ListCallRecording(callSID, recParams)
	if err != nil {
		return nil, fmt.Errorf("failed to list call recordings: %w", err)
	}

	for _, rec := range recordings {
		if rec.Sid == nil {
			continue
		}
		if rec.Status != nil && *rec.Status != "completed" {
			continue
		}
		found := &Recording{
			CallSID:      callSID,
			RecordingSID: *rec.Sid,
			MediaURL:     mediaURL(creds.AccountSID, *rec.Sid),
			Duration:     parseDuration(rec.Duration),
		}
		logger.Base().Info("Located trunk recording",
			zap.String("call_sid", found.CallSID),
			zap.String("recording_sid", found.RecordingSID),
			zap.Int("duration", found.Duration))
		return found, nil
	}

	return nil, ErrRecordingNotFound
}

// pickCall prefers connected candidates (duration > 0) and among them the
// one whose start time sits closest to the session's. The trunk log can
// contain short failed attempts and unrelated calls between the same
// endpoints inside the window.
func pickCall(calls []api.ApiV2010Call, around time.Time) string {
	var best, fallback string
	var bestDelta time.Duration
	for _, c := range calls {
		if c.Sid == nil {
			continue
		}
		if fallback == "" {
			fallback = *c.Sid
		}
		if parseDuration(c.Duration) <= 0 {
			continue
		}
		delta := time.Duration(math.MaxInt64)
		if started, ok := parseCallStart(c.StartTime); ok && !around.IsZero() {
			delta = started.Sub(around)
			if delta < 0 {
				delta = -delta
			}
		}
		if best == "" || delta < bestDelta {
			best = *c.Sid
			bestDelta = delta
		}
	}
	if best != "" {
		return best
	}
	return fallback
}

// parseCallStart reads the RFC 2822 timestamps the call log API returns.
func parseCallStart(raw *string) (time.Time, bool) {
	if raw == nil || *raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC1123Z, *raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseDuration(raw *string) int {
	if raw == nil {
		return 0
	}
	n, err := strconv.Atoi(*raw)
	if err != nil {
		return 0
	}
	return n
}

func mediaURL(accountSID, recordingSID string) string {
	return fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Recordings/%s.mp3", accountSID, recordingSID)
}
