package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// TenantHeader selects the clinic for kiosks and the public QR pages.
const TenantHeader = "X-Tenant-ID"

// ClaimTenantKey is the echo context key the auth middleware fills from the
// token's tenant claim.
const ClaimTenantKey = "jwt_tenant_id"

type (
	tenantKey struct{}
	connKey   struct{}
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// SchemaName returns the Postgres schema that holds a clinic's tables. Only
// identifiers that are safe to splice into SQL are accepted.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

// tenantOf picks the clinic for a request: a verified token claim wins over
// the header, the header over the tenant_id query parameter.
func tenantOf(c echo.Context, fallback string) string {
	candidates := []string{
		stringValue(c.Get(ClaimTenantKey)),
		c.Request().Header.Get(TenantHeader),
		c.QueryParam("tenant_id"),
	}
	for _, id := range candidates {
		if id != "" {
			return id
		}
	}
	return fallback
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// TenantMiddleware holds one pooled connection per request with its
// search_path pointing at the clinic schema. Repositories pick it up through
// Conn.
func TenantMiddleware(pool *pgxpool.Pool, fallback string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := tenantOf(c, fallback)
			if _, err := SchemaName(tenantID); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": "invalid_tenant"})
			}
			return WithTenant(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			})
		}
	}
}

// WithTenant runs fn on a connection scoped to tenantID. Jobs and CLI
// commands use it where there is no request.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("scope connection to %s: %w", schema, err)
	}
	ctx = context.WithValue(ctx, tenantKey{}, tenantID)
	ctx = context.WithValue(ctx, connKey{}, conn)
	return fn(ctx)
}

// ConnFromContext returns the tenant-scoped connection, or nil outside
// WithTenant.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey{}).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// CreateTenantSchema creates the clinic schema and, when source is given,
// migrates it to the latest version.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, source fs.FS) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if source == nil {
		return nil
	}
	if _, err := NewMigrator(pool, source).Up(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}
