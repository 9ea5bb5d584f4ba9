// Copyright 2025 Lumenworks
package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lumenworks/card-forge/internal/config"
	"github.com/stretchr/testify/require"
)

func authr() *Authenticator {
	return New(config.Auth{
		Username: "demo",
		Password: "demo-pass",
		Event:    "card-forge-event",
		TokenTTL: 24 * time.Hour,
	})
}

func TestCredentials(t *testing.T) {
	a := authr()
	require.True(t, a.ValidateCredentials("demo", "demo-pass"))
	require.False(t, a.ValidateCredentials("demo", "wrong"))
	require.False(t, a.ValidateCredentials("other", "demo-pass"))
}

func TestIssueAndValidate(t *testing.T) {
	a := authr()
	token, expiresIn, err := a.Issue("demo")
	require.NoError(t, err)
	require.Equal(t, 86400, expiresIn)

	claims, err := a.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "demo", claims.Username)
	require.Equal(t, "card-forge-event", claims.Event)
	require.NotEmpty(t, claims.SessionID)
	require.Contains(t, claims.Permissions, "card_generation")
}

func TestValidateRejectsGarbage(t *testing.T) {
	a := authr()
	_, err := a.Validate("not base64 at all !!!")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Validate(base64.StdEncoding.EncodeToString([]byte("{not json")))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	a := authr()
	claims := Claims{
		Username:  "demo",
		Event:     "card-forge-event",
		IssuedAt:  time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
		ExpiresAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	payload, _ := json.Marshal(claims)
	_, err := a.Validate(base64.StdEncoding.EncodeToString(payload))
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateRejectsWrongEvent(t *testing.T) {
	a := authr()
	claims := Claims{
		Username:  "demo",
		Event:     "someone-elses-event",
		ExpiresAt: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}
	payload, _ := json.Marshal(claims)
	_, err := a.Validate(base64.StdEncoding.EncodeToString(payload))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/transform-card", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", FromRequest(r))

	r = httptest.NewRequest("POST", "/api/transform-card", nil)
	r.Header.Set("X-Auth-Token", "xyz789")
	require.Equal(t, "xyz789", FromRequest(r))

	r = httptest.NewRequest("POST", "/api/transform-card", nil)
	require.Empty(t, FromRequest(r))
}
