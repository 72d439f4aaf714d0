package middleware

import (
	"github.com/gin-gonic/gin"

	appErrors "github.com/schoolops/timetable-api/pkg/errors"
	"github.com/schoolops/timetable-api/pkg/response"
)

// ContextTenantKey stores the resolved tenant id on the gin context.
const ContextTenantKey = "tenant_id"

// TenantHeader carries the tenant identity established upstream.
const TenantHeader = "X-Tenant-ID"

// Tenant requires a tenant header on every request and exposes it to
// handlers. Requests without one never reach the data layer.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "missing X-Tenant-ID header"))
			c.Abort()
			return
		}
		c.Set(ContextTenantKey, tenantID)
		c.Next()
	}
}
