package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolops/timetable-api/internal/service"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
	"github.com/schoolops/timetable-api/pkg/response"
)

// WeekConfigHandler manages working-week configuration endpoints.
type WeekConfigHandler struct {
	service *service.WeekConfigService
}

// NewWeekConfigHandler constructs handler.
func NewWeekConfigHandler(svc *service.WeekConfigService) *WeekConfigHandler {
	return &WeekConfigHandler{service: svc}
}

// Get resolves the effective config for a term (or the tenant default).
func (h *WeekConfigHandler) Get(c *gin.Context) {
	cfg, err := h.service.Get(c.Request.Context(), tenantFromContext(c), c.Query("termId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cfg)
}

// Upsert stores the working-week shape for a tenant or a single term.
func (h *WeekConfigHandler) Upsert(c *gin.Context) {
	var req service.UpsertWeekConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	cfg, err := h.service.Upsert(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cfg)
}
