package gateway

import (
	"crypto/subtle"

	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from the configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(tokens)),
	}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.NewSubSystemError("gateway", "StaticTokenAuth.Authenticate", domain.ErrAuthInvalid, "unknown token")
}

// AllowAllAuth admits every connection. Used when no tokens are configured;
// the gateway only listens on loopback by default.
type AllowAllAuth struct{}

// Authenticate implements Authenticator.
func (AllowAllAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// NewAuthenticator picks the authenticator for the given config.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	if cfg.Type == "static" && len(cfg.Tokens) > 0 {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return AllowAllAuth{}
}
