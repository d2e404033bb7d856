// Package authtoken is the thin auth boundary the backend's three
// endpoints authenticate against. OAuth login and cookie minting are an
// external collaborator, described only by the interface it presents to
// the core. Verifier turns a bearer token into a user
// id; SignedVerifier is the production shape a real deployment wires in
// from outside this module. DevVerifier implements the original's
// DEV_MODE bypass (original_source/backend/src/jwt.rs), used for local
// development and for the test suite.
package authtoken

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidToken is returned by a Verifier when the token is empty,
// malformed, expired, or fails signature verification.
var ErrInvalidToken = errors.New("authtoken: invalid token")

// Verifier authenticates a bearer token into a user id. ProxyEndpoint,
// ClientEndpoint, and LauncherEndpoint all authenticate through this
// interface; none of them know or care which implementation is wired
// in.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// DevVerifier treats any non-empty token as valid, deriving a stable
// user id directly from it. It exists for local development and tests,
// mirroring the original's DEV_MODE flag rather than doing real
// signature verification.
type DevVerifier struct{}

// NewDevVerifier returns a Verifier that accepts any non-empty token.
func NewDevVerifier() DevVerifier { return DevVerifier{} }

// Verify implements Verifier. The returned user id is "dev-" followed by
// the token with whitespace trimmed, so a fixed token reliably maps to
// the same user across a dev session.
func (DevVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	return "dev-" + token, nil
}

// SignedVerifier is a placeholder for the real, signed-token verification
// scheme (HMAC or asymmetric signature checking, expiry, revocation
// lookups) a production deployment supplies. Its construction and
// signing key management are an external collaborator; this stub
// exists so ProxyEndpoint/ClientEndpoint/LauncherEndpoint can
// be built and tested against the Verifier interface today without
// depending on a concrete signing scheme.
type SignedVerifier struct {
	// VerifyFunc does the actual verification. A caller wiring in a real
	// scheme sets this; the zero value always rejects.
	VerifyFunc func(ctx context.Context, token string) (string, error)
}

// Verify implements Verifier.
func (v SignedVerifier) Verify(ctx context.Context, token string) (string, error) {
	if v.VerifyFunc == nil {
		return "", errors.New("authtoken: SignedVerifier not configured")
	}
	return v.VerifyFunc(ctx, token)
}
