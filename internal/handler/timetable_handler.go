package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schoolops/timetable-api/internal/models"
	"github.com/schoolops/timetable-api/internal/service"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
	"github.com/schoolops/timetable-api/pkg/response"
)

// TimetableHandler manages timetable endpoints.
type TimetableHandler struct {
	timetable   *service.TimetableService
	conflicts   *service.ConflictService
	suggestions *service.SuggestionService
	exporter    *service.ExportService
	importer    *service.ImportService
}

// NewTimetableHandler constructs handler.
func NewTimetableHandler(timetable *service.TimetableService, conflicts *service.ConflictService, suggestions *service.SuggestionService, exporter *service.ExportService, importer *service.ImportService) *TimetableHandler {
	return &TimetableHandler{
		timetable:   timetable,
		conflicts:   conflicts,
		suggestions: suggestions,
		exporter:    exporter,
		importer:    importer,
	}
}

// Grid serves the weekly day-by-period grid for a term.
func (h *TimetableHandler) Grid(c *gin.Context) {
	offset, ok := weekOffsetQuery(c)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "weekOffset must be 0 or 1"))
		return
	}
	view := service.GridView{
		ClassID:     c.Query("classId"),
		TeacherID:   c.Query("teacherId"),
		ClassroomID: c.Query("classroomId"),
	}

	grid, err := h.timetable.WeeklyGrid(c.Request.Context(), tenantFromContext(c), c.Param("termId"), offset, view)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grid)
}

// Conflicts enumerates every double-booking currently stored for the term.
func (h *TimetableHandler) Conflicts(c *gin.Context) {
	offset, ok := weekOffsetQuery(c)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "weekOffset must be 0 or 1"))
		return
	}

	conflicts, err := h.conflicts.Detect(c.Request.Context(), tenantFromContext(c), c.Param("termId"), offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, conflicts, map[string]interface{}{"count": len(conflicts)})
}

// Suggestions returns ranked free slots for a teacher or classroom.
func (h *TimetableHandler) Suggestions(c *gin.Context) {
	req := service.SuggestRequest{
		TermID:           c.Param("termId"),
		TeacherID:        c.Query("teacherId"),
		ClassroomID:      c.Query("classroomId"),
		PreferredPeriods: c.QueryArray("preferredPeriod"),
	}
	if raw := c.Query("weekOffset"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "weekOffset must be 0 or 1"))
			return
		}
		req.WeekOffset = models.WeekOffset(value)
	}
	for _, raw := range c.QueryArray("preferredDay") {
		day, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "preferredDay must be an integer"))
			return
		}
		req.PreferredDays = append(req.PreferredDays, day)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a non-negative integer"))
			return
		}
		req.Limit = limit
	}

	slots, err := h.suggestions.Suggest(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots, map[string]interface{}{"count": len(slots)})
}

// UpsertSlot places or overwrites a class's booking of a slot.
func (h *TimetableHandler) UpsertSlot(c *gin.Context) {
	var req service.UpsertSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.TermID = c.Param("termId")

	entry, err := h.timetable.UpsertSlot(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry)
}

// DeleteSlot removes a class's booking of a slot. Missing slots succeed.
func (h *TimetableHandler) DeleteSlot(c *gin.Context) {
	day, err := strconv.Atoi(c.Query("dayOfWeek"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dayOfWeek must be an integer"))
		return
	}
	offset := 0
	if raw := c.Query("weekOffset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "weekOffset must be 0 or 1"))
			return
		}
	}

	key := models.EntryKey{
		TermID:     c.Param("termId"),
		DayOfWeek:  day,
		PeriodID:   c.Query("periodId"),
		WeekOffset: models.WeekOffset(offset),
		ClassID:    c.Query("classId"),
	}
	if err := h.timetable.DeleteSlot(c.Request.Context(), tenantFromContext(c), key); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// BulkUpsert applies a batch of slot placements atomically.
func (h *TimetableHandler) BulkUpsert(c *gin.Context) {
	var req service.BulkUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.TermID = c.Param("termId")

	result, err := h.timetable.BulkUpsert(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Export streams the term's timetable in the requested format.
func (h *TimetableHandler) Export(c *gin.Context) {
	offset, ok := weekOffsetQuery(c)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "weekOffset must be 0 or 1"))
		return
	}
	format := service.ExportFormat(c.DefaultQuery("format", "json"))
	filter := service.ExportFilter{
		ClassID:     c.Query("classId"),
		TeacherID:   c.Query("teacherId"),
		ClassroomID: c.Query("classroomId"),
		WeekOffset:  offset,
	}

	payload, err := h.exporter.Export(c.Request.Context(), tenantFromContext(c), c.Param("termId"), format, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+payload.Filename)
	c.Data(http.StatusOK, payload.ContentType, payload.Data)
}

// Import applies a previously exported document to the term.
func (h *TimetableHandler) Import(c *gin.Context) {
	format := service.ExportFormat(c.DefaultQuery("format", "json"))
	mode := models.ImportMode(c.DefaultQuery("mode", string(models.ImportModeMerge)))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to read payload"))
		return
	}

	result, err := h.importer.Import(c.Request.Context(), tenantFromContext(c), c.Param("termId"), format, mode, body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
