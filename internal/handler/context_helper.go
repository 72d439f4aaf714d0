package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schoolops/timetable-api/internal/middleware"
	"github.com/schoolops/timetable-api/internal/models"
)

func tenantFromContext(c *gin.Context) string {
	value, exists := c.Get(middleware.ContextTenantKey)
	if !exists {
		return ""
	}
	tenantID, ok := value.(string)
	if !ok {
		return ""
	}
	return tenantID
}

// weekOffsetQuery parses an optional weekOffset query param. The bool result
// reports whether the raw value was parseable.
func weekOffsetQuery(c *gin.Context) (*models.WeekOffset, bool) {
	raw := c.Query("weekOffset")
	if raw == "" {
		return nil, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || (value != 0 && value != 1) {
		return nil, false
	}
	offset := models.WeekOffset(value)
	return &offset, true
}
