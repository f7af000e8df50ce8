package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

type contextKey string

const (
	tenantKey contextKey = "tenant_id"
	userKey   contextKey = "user_id"
)

// TenantFromContext returns the tenant resolved by RequireTenant.
func TenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// UserFromContext returns the caller id resolved by RequireTenant.
func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

// RequireTenant resolves the calling tenant. X-Tenant-ID wins; otherwise,
// when tenants is set and X-User-ID is an email address, the tenant is
// looked up by the address's domain and provisioned on first use.
func RequireTenant(tenants repository.TenantStore, logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			user := strings.TrimSpace(req.Header.Get(HeaderUserID))
			tenantID := strings.TrimSpace(req.Header.Get(HeaderTenantID))

			if tenantID == "" && tenants != nil && user != "" {
				tenant, err := tenantForUser(ctx, tenants, user)
				if err != nil {
					logger.Error("failed to resolve tenant", "user", user, "error", err)
					return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve tenant").SetInternal(err)
				}
				if tenant != nil {
					tenantID = tenant.ID
				}
			}
			if tenantID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderTenantID+" header")
			}

			ctx = context.WithValue(ctx, tenantKey, tenantID)
			ctx = context.WithValue(ctx, userKey, user)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// tenantForUser returns nil when user is not an email address.
func tenantForUser(ctx context.Context, tenants repository.TenantStore, user string) (*models.Tenant, error) {
	domain, ok := models.EmailDomain(user)
	if !ok {
		return nil, nil
	}

	tenant, err := tenants.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tenant = &models.Tenant{Name: domain, Domain: domain}
	if err := tenants.CreateTenant(ctx, tenant); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		// provisioned concurrently by another request
		return tenants.GetTenantByDomain(ctx, domain)
	}
	return tenant, nil
}
