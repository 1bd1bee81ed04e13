// Package auth authenticates callers of the HTTP surface with HS256 bearer
// tokens and checks their conversion scopes.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SubjectKey contextKey = "auth_subject"
	ScopesKey  contextKey = "auth_scopes"
)

// Scopes granted to conversion clients. A scope ending in ":*" grants every
// scope with that prefix.
const (
	ScopeInbound  = "convert:inbound"
	ScopeOutbound = "convert:outbound"
	ScopeBatch    = "convert:batch"
	ScopeJournal  = "journal:read"
)

type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Scopes splits the space separated scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper exempts requests from authentication.
	Skipper func(echo.Context) bool
}

// JWTMiddleware validates the bearer token and stores its subject and
// scopes on both the echo context and the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			authenticate(c, claims.Subject, claims.Scopes())
			return next(c)
		}
	}
}

// DevAuthMiddleware authenticates every request as "dev-user" with all
// scopes. It must never run in production.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authenticate(c, "dev-user", []string{"convert:*", "journal:*"})
			return next(c)
		}
	}
}

func authenticate(c echo.Context, subject string, scopes []string) {
	c.Set(string(SubjectKey), subject)
	c.Set(string(ScopesKey), scopes)
	ctx := context.WithValue(c.Request().Context(), SubjectKey, subject)
	ctx = context.WithValue(ctx, ScopesKey, scopes)
	c.SetRequest(c.Request().WithContext(ctx))
}

// RequireScope rejects requests whose token does not grant scope.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scopes, _ := c.Get(string(ScopesKey)).([]string)
			if !HasScope(scopes, scope) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient scope: "+scope+" required")
			}
			return next(c)
		}
	}
}

// HasScope reports whether granted covers want, honouring "prefix:*".
func HasScope(granted []string, want string) bool {
	for _, g := range granted {
		if g == want {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(want, prefix) {
			return true
		}
	}
	return false
}

func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(SubjectKey).(string)
	return sub
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}
