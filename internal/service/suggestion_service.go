package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

type suggestionWeekConfigReader interface {
	Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error)
}

// SuggestRequest describes the free-slot query. At least one of TeacherID or
// ClassroomID must be set; the suggester keeps that resource unbooked.
type SuggestRequest struct {
	TermID           string            `validate:"required"`
	TeacherID        string            `validate:"required_without=ClassroomID"`
	ClassroomID      string            `validate:"required_without=TeacherID"`
	WeekOffset       models.WeekOffset `validate:"min=0,max=1"`
	PreferredDays    []int             `validate:"omitempty,dive,min=0,max=6"`
	PreferredPeriods []string          `validate:"omitempty,dive,required"`
	Limit            int               `validate:"min=0"`
}

// SuggestionService produces ranked free-slot candidates from a single store
// snapshot. Results are eager and bounded; a fully booked resource yields an
// empty slice, not an error.
type SuggestionService struct {
	entries      conflictEntryLister
	periods      conflictPeriodLister
	configs      suggestionWeekConfigReader
	validator    *validator.Validate
	logger       *zap.Logger
	defaultLimit int
}

// NewSuggestionService instantiates SuggestionService.
func NewSuggestionService(entries conflictEntryLister, periods conflictPeriodLister, configs suggestionWeekConfigReader, validate *validator.Validate, logger *zap.Logger, defaultLimit int) *SuggestionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &SuggestionService{
		entries:      entries,
		periods:      periods,
		configs:      configs,
		validator:    validate,
		logger:       logger,
		defaultLimit: defaultLimit,
	}
}

// Suggest enumerates working days x periods, drops every slot the target
// teacher or classroom already occupies, ranks preferred matches first and
// the remainder in day-then-period order, and truncates to the limit.
func (s *SuggestionService) Suggest(ctx context.Context, tenantID string, req SuggestRequest) ([]models.Slot, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid suggestion query")
	}

	cfg, err := s.configs.Get(ctx, tenantID, req.TermID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no week configuration for term")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load week config")
	}

	periods, err := s.periods.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load periods")
	}

	offset := req.WeekOffset
	entries, err := s.entries.List(ctx, tenantID, models.EntryFilter{TermID: req.TermID, WeekOffset: &offset})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable entries")
	}

	occupied := make(map[models.Slot]bool)
	for _, entry := range entries {
		taken := (req.TeacherID != "" && entry.TeacherID == req.TeacherID) ||
			(req.ClassroomID != "" && entry.ClassroomID == req.ClassroomID)
		if taken {
			occupied[models.Slot{DayOfWeek: entry.DayOfWeek, PeriodID: entry.PeriodID}] = true
		}
	}

	days := make([]int, 0, len(cfg.WorkingDays))
	for _, day := range cfg.WorkingDays {
		days = append(days, int(day))
	}
	sort.Ints(days)

	preferredDays := intSet(req.PreferredDays)
	preferredPeriods := stringSet(req.PreferredPeriods)

	candidates := make([]models.Slot, 0, len(days)*len(periods))
	for _, day := range days {
		for _, period := range periods {
			slot := models.Slot{DayOfWeek: day, PeriodID: period.ID}
			if occupied[slot] {
				continue
			}
			candidates = append(candidates, slot)
		}
	}

	// Candidates are already in day-then-period order; a stable sort moves
	// preferred matches to the front without disturbing that order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return s.preferred(candidates[i], preferredDays, preferredPeriods) &&
			!s.preferred(candidates[j], preferredDays, preferredPeriods)
	})

	limit := req.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *SuggestionService) preferred(slot models.Slot, days map[int]bool, periods map[string]bool) bool {
	if len(days) == 0 && len(periods) == 0 {
		return false
	}
	if len(days) > 0 && !days[slot.DayOfWeek] {
		return false
	}
	if len(periods) > 0 && !periods[slot.PeriodID] {
		return false
	}
	return true
}

func intSet(values []int) map[int]bool {
	set := make(map[int]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
