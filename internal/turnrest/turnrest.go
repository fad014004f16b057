// Package turnrest mints coturn-compatible ephemeral TURN credentials
// ("TURN REST API", draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret  = errors.New("turn rest: shared secret is required")
	ErrInvalidTTL     = errors.New("turn rest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turn rest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSubject = errors.New("turn rest: subject must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// NewSubject generates the subject for IssueRandom. Defaults to a random
	// UUID.
	NewSubject func() string
}

// Credentials is one short-lived TURN username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Issuer struct {
	secret     []byte
	ttlSeconds int64
	prefix     string
	now        func() time.Time
	newSubject func() string
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = func() string { return uuid.NewString() }
	}
	return &Issuer{
		secret:     []byte(cfg.SharedSecret),
		ttlSeconds: ttl,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

// Issue mints credentials bound to subject.
func (i *Issuer) Issue(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expiry := i.now().UTC().Unix() + i.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, i.prefix, subject)

	mac := hmac.New(sha1.New, i.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

func (i *Issuer) IssueRandom() (Credentials, error) {
	return i.Issue(i.newSubject())
}

// Apply returns a copy of servers with creds set on every entry that carries a
// TURN URL. STUN-only entries are passed through untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for idx, server := range servers {
		out[idx] = server
		if HasTURNURL(server) {
			out[idx].Username = creds.Username
			out[idx].Credential = creds.Credential
		}
	}
	return out
}

// HasTURNURL reports whether server lists a turn: or turns: URL.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			return true
		}
	}
	return false
}
