package accessgate

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newGate() *Gate {
	return New(config.Access{AllowedEmail: "Me@Example.com", Audience: "aud-123"}).WithClock(func() time.Time { return now })
}

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("proxy-key"))
	require.NoError(t, err)
	return token
}

func request(email, assertion string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/publish", nil)
	if email != "" {
		r.Header.Set(HeaderEmail, email)
	}
	if assertion != "" {
		r.Header.Set(HeaderAssertion, assertion)
	}
	return r
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var se *sitepost.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sitepost.KindUnauthorized, se.Kind)
	assert.Equal(t, http.StatusUnauthorized, se.Status())
	assert.Equal(t, reason, se.Message)
}

func TestCheckAcceptsConsistentAssertion(t *testing.T) {
	token := sign(t, Claims{
		Email: "me@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"other", "aud-123"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	assert.NoError(t, newGate().Check(request("ME@example.COM", token)))
}

func TestCheckAcceptsAssertionWithoutOptionalClaims(t *testing.T) {
	token := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"aud-123"}}})
	assert.NoError(t, newGate().Check(request("me@example.com", token)))
}

func TestCheckFailures(t *testing.T) {
	valid := jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"aud-123"}, ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}

	tests := []struct {
		name      string
		email     string
		assertion string
		reason    string
	}{
		{"missing email", "", sign(t, Claims{RegisteredClaims: valid}), ReasonUnauthorized},
		{"other email", "a@x.com", sign(t, Claims{RegisteredClaims: valid}), ReasonUnauthorized},
		{"missing assertion", "me@example.com", "", ReasonMissingAssertion},
		{"garbage assertion", "me@example.com", "not-a-jwt", ReasonMalformed},
		{"bad payload", "me@example.com", "eyJhbGciOiJIUzI1NiJ9.!!!.sig", ReasonMalformed},
		{"payload not json", "me@example.com", "e30.bm90LWpzb24", ReasonMalformed},
		{"wrong audience", "me@example.com", sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"nope"}}}), ReasonInvalidAudience},
		{"no audience", "me@example.com", sign(t, Claims{}), ReasonInvalidAudience},
		{"email mismatch", "me@example.com", sign(t, Claims{Email: "else@example.com", RegisteredClaims: valid}), ReasonEmailMismatch},
		{"expired", "me@example.com", sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"aud-123"},
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Second)),
		}}), ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertReason(t, newGate().Check(request(tt.email, tt.assertion)), tt.reason)
		})
	}
}

func TestCheckDecodesPayloadSegmentOnly(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"aud":"aud-123","email":"me@example.com"}`))

	for _, assertion := range []string{"e30." + payload, "e30." + payload + ".sig", "x." + payload + ".y.z"} {
		assert.NoError(t, newGate().Check(request("me@example.com", assertion)), assertion)
	}
}

func TestCheckRejectsWhenNoEmailConfigured(t *testing.T) {
	g := New(config.Access{Audience: "aud-123"})
	token := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"aud-123"}}})
	assertReason(t, g.Check(request("me@example.com", token)), ReasonUnauthorized)
}
