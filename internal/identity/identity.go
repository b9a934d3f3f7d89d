// Package identity resolves the caller identity and rate-limit tier for each
// ingress request. A valid bearer JWT yields the token's tier claim and
// subject; anything else degrades to the anonymous tier keyed by client IP.
// The sidecar shapes traffic per identity, it does not authorize — rejecting
// requests on bad tokens is the upstream's job.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/shield-core/internal/config"
)

// Identity tiers, from least to most trusted.
const (
	TierAnonymous     = "anonymous"
	TierAuthenticated = "authenticated"
	TierElevated      = "elevated"
)

type contextKey string

const identityKey contextKey = "identity"

// Info is the resolved caller identity for one request.
type Info struct {
	// Tier selects the rate-limit bucket configuration.
	Tier string

	// Caller distinguishes buckets within a tier: the token subject for
	// authenticated callers, the client IP for anonymous ones.
	Caller string
}

// FromContext returns the identity resolved by the middleware. Requests that
// bypassed the middleware are anonymous with an unknown caller.
func FromContext(ctx context.Context) Info {
	if info, ok := ctx.Value(identityKey).(Info); ok {
		return info
	}
	return Info{Tier: TierAnonymous, Caller: "unknown"}
}

// Middleware resolves each request's identity and stores it in the context.
// With no configured secret every caller is anonymous.
func Middleware(cfg config.IdentityConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := resolve(r, cfg, logger)
			ctx := context.WithValue(r.Context(), identityKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolve(r *http.Request, cfg config.IdentityConfig, logger *slog.Logger) Info {
	anonymous := Info{Tier: TierAnonymous, Caller: clientIP(r.RemoteAddr)}

	if cfg.JWTSecret == "" {
		return anonymous
	}
	tokenStr, ok := ExtractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return anonymous
	}

	tier, subject, err := parseToken(tokenStr, cfg)
	if err != nil {
		logger.Debug("bearer token rejected, degrading to anonymous", "error", err, "path", r.URL.Path)
		return anonymous
	}
	return Info{Tier: tier, Caller: subject}
}

// ExtractBearerToken splits an Authorization header value into its bearer
// token. The scheme comparison is case-insensitive per RFC 7235.
func ExtractBearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// parseToken validates the JWT and extracts (tier, subject). Tokens with a
// missing or unrecognized tier claim resolve to the authenticated tier:
// the signature already proves the caller holds the shared secret.
func parseToken(tokenStr string, cfg config.IdentityConfig) (tier, subject string, err error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid token claims")
	}

	subject, _ = claims["sub"].(string)
	if subject == "" {
		return "", "", fmt.Errorf("token has no subject")
	}

	tier = TierAuthenticated
	if claimed, ok := claims[cfg.TierClaim].(string); ok && config.ValidTiers[claimed] {
		tier = claimed
	}
	return tier, subject, nil
}

// clientIP strips the port from a RemoteAddr. A value without a port is
// returned unchanged.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
