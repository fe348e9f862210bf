// Package principal identifies the caller for rate limiting and logs.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/auth"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the API key or client IP. Never log it.
	Raw string
	// Key is the hashed identifier used for limiter buckets and logs.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: string(KindAnon)}

// Resolve prefers the authenticated API key and falls back to the client IP.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
	}
	ip := ClientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return anonymous
	}
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

// ClientIP returns the caller address. Proxy headers are consulted only when
// trusted, in order CF-Connecting-IP, X-Real-IP, then the left-most
// X-Forwarded-For entry.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parseIP(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
