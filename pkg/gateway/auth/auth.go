package auth

import (
	"context"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest returns the bearer token, falling back to the access_token
// query parameter on GET requests. Browser EventSource clients cannot set
// request headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if r.Method != http.MethodGet {
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	return token, token != ""
}
