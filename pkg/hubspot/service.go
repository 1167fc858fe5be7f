// Package hubspot wraps the HubSpot CRM v3 API for contact lookup and call
// engagement logging. Access tokens are per org, so every method takes the
// token and the service keeps a rate limiter per token to stay inside the
// portal's request budget.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.hubapi.com"

// HubSpot-defined association type ids.
const (
	assocNoteToContact = 202
	assocCallToContact = 194
)

var (
	// ErrUnauthorized means the portal token was rejected. Retrying cannot
	// help until the org reconnects the integration.
	ErrUnauthorized = errors.New("hubspot token rejected")
	// ErrRateLimited means the portal's request budget is exhausted.
	ErrRateLimited = errors.New("hubspot rate limited")
)

type HubspotService struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHubspotService() *HubspotService {
	return &HubspotService{
		baseURL: defaultBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the per-token limiter. Private app tokens allow roughly
// 100 requests per 10 seconds per portal.
func (s *HubspotService) limiter(token string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[token]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10), 10)
		s.limiters[token] = l
	}
	return l
}

// Contact is a CRM contact match.
type Contact struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchResponse struct {
	Total   int       `json:"total"`
	Results []Contact `json:"results"`
}

// SearchContactByPhone finds the contact owning the number. Portals store
// phones in mixed formats, so the search tries the canonical form and the
// bare digits against both phone properties. Returns (nil, nil) when no
// contact matches.
func (s *HubspotService) SearchContactByPhone(ctx context.Context, token, phoneNumber string) (*Contact, error) {
	variants := phoneVariants(phoneNumber)
	if len(variants) == 0 {
		return nil, nil
	}

	groups := make([]filterGroup, 0, len(variants)*2)
	for _, property := range []string{"phone", "mobilephone"} {
		for _, v := range variants {
			groups = append(groups, filterGroup{Filters: []filter{{
				PropertyName: property,
				Operator:     "EQ",
				Value:        v,
			}}})
		}
	}

	reqBody := searchRequest{
		FilterGroups: groups,
		Properties:   []string{"firstname", "lastname", "phone", "mobilephone"},
		Limit:        1,
	}

	var resp searchResponse
	if err := s.do(ctx, token, "POST", "/crm/v3/objects/contacts/search", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// CallEngagement is one logged call on a contact timeline.
type CallEngagement struct {
	ContactID      string
	Title          string
	Body           string
	FromNumber     string
	ToNumber       string
	Direction      string
	DurationMillis int64
	RecordingURL   string
	OccurredAt     time.Time
}

type createRequest struct {
	Properties   map[string]string `json:"properties"`
	Associations []association     `json:"associations,omitempty"`
}

type association struct {
	To    associationTarget `json:"to"`
	Types []associationType `json:"types"`
}

type associationTarget struct {
	ID string `json:"id"`
}

type associationType struct {
	AssociationCategory string `json:"associationCategory"`
	AssociationTypeID   int    `json:"associationTypeId"`
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateCall logs a call engagement associated to the contact and returns
// the engagement id.
func (s *HubspotService) CreateCall(ctx context.Context, token string, eng CallEngagement) (string, error) {
	direction := strings.ToUpper(eng.Direction)
	if direction != "OUTBOUND" {
		direction = "INBOUND"
	}

	properties := map[string]string{
		"hs_timestamp":        strconv.FormatInt(eng.OccurredAt.UnixMilli(), 10),
		"hs_call_title":       eng.Title,
		"hs_call_body":        eng.Body,
		"hs_call_direction":   direction,
		"hs_call_status":      "COMPLETED",
		"hs_call_from_number": eng.FromNumber,
		"hs_call_to_number":   eng.ToNumber,
	}
	if eng.DurationMillis > 0 {
		properties["hs_call_duration"] = strconv.FormatInt(eng.DurationMillis, 10)
	}
	if eng.RecordingURL != "" {
		properties["hs_call_recording_url"] = eng.RecordingURL
	}

	reqBody := createRequest{
		Properties: properties,
		Associations: []association{{
			To: associationTarget{ID: eng.ContactID},
			Types: []associationType{{
				AssociationCategory: "HUBSPOT_DEFINED",
				AssociationTypeID:   assocCallToContact,
			}},
		}},
	}

	var resp createResponse
	if err := s.do(ctx, token, "POST", "/crm/v3/objects/calls", reqBody, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateNote attaches a note to the contact timeline and returns the note id.
func (s *HubspotService) CreateNote(ctx context.Context, token, contactID, body string, at time.Time) (string, error) {
	reqBody := createRequest{
		Properties: map[string]string{
			"hs_timestamp": strconv.FormatInt(at.UnixMilli(), 10),
			"hs_note_body": body,
		},
		Associations: []association{{
			To: associationTarget{ID: contactID},
			Types: []associationType{{
				AssociationCategory: "HUBSPOT_DEFINED",
				AssociationTypeID:   assocNoteToContact,
			}},
		}},
	}

	var resp createResponse
	if err := s.do(ctx, token, "POST", "/crm/v3/objects/notes", reqBody, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *HubspotService) do(ctx context.Context, token, method, path string, reqBody interface{}, out interface{}) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := s.limiter(token).Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// phoneVariants returns the lookup forms of a number: canonical +digits and
// the bare digit string.
func phoneVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, trimmed)
	if digits == "" {
		return []string{trimmed}
	}
	return []string{"+" + digits, digits}
}
