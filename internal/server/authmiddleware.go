package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/teamboard/gateway/internal/authclient"
)

// TokenVerifier checks a bearer token with the auth service. Satisfied
// by *authclient.Client; tests substitute fakes.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*authclient.Principal, error)
}

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

func withPrincipal(ctx context.Context, p *authclient.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the authenticated principal from context, or
// nil when the request was not authenticated.
func PrincipalFrom(ctx context.Context) *authclient.Principal {
	if p, ok := ctx.Value(principalKey{}).(*authclient.Principal); ok {
		return p
	}
	return nil
}

// bearerToken extracts the token from an Authorization header of the
// form "Bearer <token>". A missing header, a bare scheme, or a blank
// token all count as no token.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate runs the protected-route token check. It writes the
// error response itself and reports whether the request may continue.
// Missing token is rejected without calling the auth service; a
// verification failure is fail-closed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*authclient.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeNoToken(w)
		return nil, false
	}

	principal, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		AddError(r.Context(), err)
		if errors.Is(err, authclient.ErrInvalidToken) {
			writeInvalidToken(w)
		} else {
			writeAuthUnavailable(w)
		}
		return nil, false
	}
	return principal, true
}
