// Package accessgate cross-checks the identity headers injected by the
// access proxy in front of the admin endpoint.
//
// Signatures are verified by the proxy itself; the gate only checks that the
// assertion is consistent with the header email, the configured audience and
// the current time.
package accessgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderEmail     = "Cf-Access-Authenticated-User-Email"
	HeaderAssertion = "Cf-Access-Jwt-Assertion"
)

// Failure reasons reported to the caller.
const (
	ReasonUnauthorized     = "Unauthorized"
	ReasonMissingAssertion = "Missing access assertion"
	ReasonInvalidAudience  = "Invalid audience"
	ReasonEmailMismatch    = "Email mismatch"
	ReasonExpired          = "Expired token"
	ReasonMalformed        = "Malformed access token"
)

// Claims is the subset of the assertion payload the gate inspects.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Gate validates inbound requests against the allow-listed identity.
type Gate struct {
	allowedEmail string
	audience     string
	now          func() time.Time
	parser       *jwt.Parser
}

// New builds a gate from the access settings.
func New(cfg config.Access) *Gate {
	return &Gate{
		allowedEmail: strings.TrimSpace(cfg.AllowedEmail),
		audience:     strings.TrimSpace(cfg.Audience),
		now:          time.Now,
		parser:       jwt.NewParser(),
	}
}

// WithClock replaces the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check returns nil when the request carries a consistent identity for the
// allowed user, otherwise a 401 *sitepost.Error naming the failed check.
func (g *Gate) Check(r *http.Request) error {
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	if email == "" || g.allowedEmail == "" || !strings.EqualFold(email, g.allowedEmail) {
		return sitepost.Unauthorized(ReasonUnauthorized)
	}

	assertion := strings.TrimSpace(r.Header.Get(HeaderAssertion))
	if assertion == "" {
		return sitepost.Unauthorized(ReasonMissingAssertion)
	}

	claims, err := g.decode(assertion)
	if err != nil {
		return err
	}

	if g.audience == "" || !slices.Contains([]string(claims.Audience), g.audience) {
		return sitepost.Unauthorized(ReasonInvalidAudience)
	}
	if claims.Email != "" && !strings.EqualFold(claims.Email, email) {
		return sitepost.Unauthorized(ReasonEmailMismatch)
	}
	if claims.ExpiresAt != nil && !g.now().Before(claims.ExpiresAt.Time) {
		return sitepost.Unauthorized(ReasonExpired)
	}

	return nil
}

// decode reads the payload segment only. The header and signature are the
// proxy's concern.
func (g *Gate) decode(assertion string) (*Claims, error) {
	parts := strings.Split(assertion, ".")
	if len(parts) < 2 {
		return nil, malformed(errors.New("assertion has no payload segment"))
	}
	payload, err := g.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, malformed(err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, malformed(err)
	}
	return &claims, nil
}

func malformed(err error) error {
	return &sitepost.Error{Kind: sitepost.KindUnauthorized, Message: ReasonMalformed, Err: err}
}
