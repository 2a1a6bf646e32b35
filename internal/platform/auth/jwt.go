package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
)

const jwksTTL = 5 * time.Minute

// Claims are the staff token claims. TenantID selects the clinic schema.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches verification to HS256 with a shared secret.
	SigningKey []byte
}

func (cfg JWTConfig) parser() (*jwt.Parser, jwt.Keyfunc) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		return jwt.NewParser(opts...), func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	}
	keys := newKeySet(cfg.JWKSURL, jwksTTL)
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	return jwt.NewParser(opts...), func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return keys.key(kid)
	}
}

func unauthorized(msg string) error {
	return echo.NewHTTPError(http.StatusUnauthorized, apperr.Body{Code: "unauthorized", Message: msg})
}

func bearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get(echo.HeaderAuthorization), " ")
	token = strings.TrimSpace(token)
	return token, ok && strings.EqualFold(scheme, "bearer") && token != ""
}

// JWTMiddleware requires a valid bearer token and puts the staff actor and
// clinic on the request.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser, keyFunc := cfg.parser()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
				return unauthorized("missing bearer token")
			}
			raw, ok := bearer(c.Request())
			if !ok {
				return unauthorized("malformed authorization header")
			}
			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				return unauthorized("invalid token")
			}
			signIn(c, claims.TenantID, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets anonymous requests through as a local admin of the
// default clinic. Presented tokens are still verified.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) != "" {
				return verified(c)
			}
			signIn(c, "default", "dev-user", []string{RoleAdmin})
			return next(c)
		}
	}
}

func signIn(c echo.Context, tenantID, userID string, roles []string) {
	c.Set(db.ClaimTenantKey, tenantID)
	req := c.Request()
	c.SetRequest(req.WithContext(WithActor(req.Context(), userID, roles...)))
}
