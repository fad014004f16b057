// Package auth gates the signaling WebSocket upgrade. It decides who may open
// a connection; it never binds a connection to a display name.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for cfg.AuthMode. AuthModeNone yields a nil
// verifier, which callers treat as "no authentication".
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the credential for mode from r.
//
// Headers win over query parameters: "Authorization: Bearer <x>" for both
// modes, "X-API-Key" for api_key. Browsers cannot set headers on a WebSocket
// upgrade, so ?apiKey= and ?token= are accepted as well; each mode falls back
// to the other mode's parameter name.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone || mode == "" {
		return "", nil
	}
	if mode != config.AuthModeAPIKey && mode != config.AuthModeJWT {
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if v := bearerToken(r.Header.Get("Authorization")); v != "" {
		return v, nil
	}
	if mode == config.AuthModeAPIKey {
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v, nil
		}
	}

	q := r.URL.Query()
	primary, secondary := "apiKey", "token"
	if mode == config.AuthModeJWT {
		primary, secondary = secondary, primary
	}
	if v := q.Get(primary); v != "" {
		return v, nil
	}
	if v := q.Get(secondary); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

func bearerToken(header string) string {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}
