package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/SableAI/sable-call-service/internal/domain"
)

// Verifier authenticates one delivery against the org's webhook secret.
// Verifiers must not write to the request.
type Verifier interface {
	Name() string
	Verify(r *http.Request, body []byte, org *domain.OrgSettings) bool
}

// Authenticator runs the configured verifiers in order. The first match
// wins; callers treat any failure as an opaque 401.
type Authenticator struct {
	verifiers     []Verifier
	bypass        bool
	misconfigured bool
}

// NewAuthenticator builds the default verifier chain. The bypass flag is for
// local development only; setting it in production does not weaken anything,
// it marks the authenticator misconfigured so handlers can refuse with 500.
func NewAuthenticator(authDisabled bool, environment string) *Authenticator {
	return &Authenticator{
		verifiers:     DefaultVerifiers(),
		bypass:        authDisabled && environment != "production",
		misconfigured: authDisabled && environment == "production",
	}
}

// BypassActive reports whether verification is skipped. Exposed so startup
// can log it loudly.
func (a *Authenticator) BypassActive() bool {
	return a.bypass
}

// Misconfigured reports the fail-closed state: auth disabled in production.
func (a *Authenticator) Misconfigured() bool {
	return a.misconfigured
}

// Authenticate returns the name of the verifier that accepted the delivery.
func (a *Authenticator) Authenticate(r *http.Request, body []byte, org *domain.OrgSettings) (string, bool) {
	if a.bypass {
		return "bypass", true
	}
	if org == nil || org.WebhookSecret == "" {
		return "", false
	}
	for _, v := range a.verifiers {
		if v.Verify(r, body, org) {
			return v.Name(), true
		}
	}
	return "", false
}

// DefaultVerifiers returns the supported strategies in precedence order.
func DefaultVerifiers() []Verifier {
	return []Verifier{
		&BearerVerifier{},
		&HMACHeaderVerifier{},
		&TokenVerifier{},
		&BodySecretVerifier{},
	}
}

// BearerVerifier matches Authorization: Bearer <secret> against the org
// secret directly.
type BearerVerifier struct{}

func (v *BearerVerifier) Name() string { return "bearer" }

func (v *BearerVerifier) Verify(r *http.Request, _ []byte, org *domain.OrgSettings) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(org.WebhookSecret)) == 1
}

// HMACHeaderVerifier checks an HMAC-SHA256 of the raw body carried in any of
// the header conventions the connector firmwares use: X-Pbx-Signature with a
// sha256= hex prefix, X-Signature as bare hex, X-Webhook-Signature as base64.
type HMACHeaderVerifier struct{}

func (v *HMACHeaderVerifier) Name() string { return "hmac" }

func (v *HMACHeaderVerifier) Verify(r *http.Request, body []byte, org *domain.OrgSettings) bool {
	mac := hmac.New(sha256.New, []byte(org.WebhookSecret))
	mac.Write(body)
	want := mac.Sum(nil)

	if sig := r.Header.Get("X-Pbx-Signature"); sig != "" {
		if raw, ok := strings.CutPrefix(sig, "sha256="); ok {
			if got, err := hex.DecodeString(raw); err == nil && hmac.Equal(got, want) {
				return true
			}
		}
	}
	if sig := r.Header.Get("X-Signature"); sig != "" {
		if got, err := hex.DecodeString(sig); err == nil && hmac.Equal(got, want) {
			return true
		}
	}
	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		if got, err := base64.StdEncoding.DecodeString(sig); err == nil && hmac.Equal(got, want) {
			return true
		}
	}
	return false
}

// TokenVerifier checks an HS256 JWT in X-Api-Token signed with the org
// secret. The subject must name the org; tokens without one are rejected.
type TokenVerifier struct{}

func (v *TokenVerifier) Name() string { return "api-token" }

func (v *TokenVerifier) Verify(r *http.Request, _ []byte, org *domain.OrgSettings) bool {
	raw := r.Header.Get("X-Api-Token")
	if raw == "" {
		return false
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if alg, ok := token.Header["alg"].(string); !ok || alg != "HS256" {
			return nil, fmt.Errorf("unexpected algorithm: %v", token.Header["alg"])
		}
		if typ, ok := token.Header["typ"].(string); ok && typ != "JWT" {
			return nil, fmt.Errorf("unexpected token type: %v", typ)
		}
		return []byte(org.WebhookSecret), nil
	})
	if err != nil || !token.Valid {
		return false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	sub, _ := claims["sub"].(string)
	return sub != "" && sub == org.OrgID
}

// BodySecretVerifier matches the auth_token field some connectors embed in
// the payload itself.
type BodySecretVerifier struct{}

func (v *BodySecretVerifier) Name() string { return "body-token" }

func (v *BodySecretVerifier) Verify(_ *http.Request, body []byte, org *domain.OrgSettings) bool {
	var probe struct {
		AuthToken string `json:"auth_token"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(probe.AuthToken), []byte(org.WebhookSecret)) == 1
}
