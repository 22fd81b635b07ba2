// Package auth implements bearer-token authentication for the API. Access
// is scoped per resource (runs, workflows, events) with read or write
// access; write implies read, and "*" grants everything.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scope is a resource:access pair, e.g. "runs:ro".
type Scope string

const (
	ScopeRunsRead       Scope = "runs:ro"
	ScopeRunsWrite      Scope = "runs:rw"
	ScopeWorkflowsRead  Scope = "workflows:ro"
	ScopeWorkflowsWrite Scope = "workflows:rw"
	ScopeEventsRead     Scope = "events:ro"
	ScopeEventsWrite    Scope = "events:rw"

	// ScopeAll is the admin wildcard.
	ScopeAll Scope = "*"
)

// ParseScope validates a configured scope string. The resource must be one
// the API actually serves; access is ro or rw.
func ParseScope(s string) (Scope, error) {
	if s == string(ScopeAll) {
		return ScopeAll, nil
	}

	resource, access, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("invalid scope %q (expected format: resource:access)", s)
	}

	switch resource {
	case "runs", "workflows", "events", "healthz":
	default:
		return "", fmt.Errorf("scope %q references unknown resource %q", s, resource)
	}

	if access != "ro" && access != "rw" {
		return "", fmt.Errorf("scope %q: invalid access type %q (expected ro or rw)", s, access)
	}
	return Scope(s), nil
}

// read returns the read scope a write scope implies, or "" for read scopes.
func (s Scope) read() Scope {
	resource, access, ok := strings.Cut(string(s), ":")
	if !ok || access != "rw" {
		return ""
	}
	return Scope(resource + ":ro")
}

// TokenConfig is one configured bearer token with its scope strings.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Its scope set is closed under
// write-implies-read.
type Principal struct {
	Token  string
	scopes map[Scope]struct{}
}

// NewPrincipal builds a principal from configured scope strings. Strings
// that don't parse grant nothing (doctor flags them at preflight).
func NewPrincipal(token string, scopes []string) Principal {
	set := make(map[Scope]struct{}, len(scopes))
	for _, raw := range scopes {
		s, err := ParseScope(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		set[s] = struct{}{}
		if ro := s.read(); ro != "" {
			set[ro] = struct{}{}
		}
	}
	return Principal{Token: token, scopes: set}
}

// Allows reports whether the principal holds any of the required scopes.
// No required scopes means allow; ScopeAll always passes.
func (p Principal) Allows(required ...Scope) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// The legacy single api_key authenticates as admin with ScopeAll.
func Authenticate(presented string, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, legacyAPIKey) {
		return NewPrincipal(presented, []string{string(ScopeAll)}), true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return NewPrincipal(presented, t.Scopes), true
		}
	}
	return Principal{}, false
}
