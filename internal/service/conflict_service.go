package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

type conflictEntryLister interface {
	List(ctx context.Context, tenantID string, filter models.EntryFilter) ([]models.TimetableEntry, error)
}

type conflictPeriodLister interface {
	ListByTenant(ctx context.Context, tenantID string) ([]models.Period, error)
}

// ConflictService finds teacher and classroom double-bookings across a
// term's entries. Detection is a pure function of the store snapshot; nothing
// is written back.
type ConflictService struct {
	entries conflictEntryLister
	periods conflictPeriodLister
	logger  *zap.Logger
}

// NewConflictService instantiates ConflictService.
func NewConflictService(entries conflictEntryLister, periods conflictPeriodLister, logger *zap.Logger) *ConflictService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictService{entries: entries, periods: periods, logger: logger}
}

type slotGroupKey struct {
	dayOfWeek  int
	periodID   string
	weekOffset models.WeekOffset
}

// Detect returns every pairwise conflict in the term, optionally restricted
// to one week offset. Entries are compared only within their own
// (day, period, offset) group, keeping the scan linear in entry count. The
// result order is stable for a fixed snapshot: day, period ordinal, offset,
// type, resource, then entry ids.
func (s *ConflictService) Detect(ctx context.Context, tenantID, termID string, offset *models.WeekOffset) ([]models.Conflict, error) {
	filter := models.EntryFilter{TermID: termID, WeekOffset: offset}
	entries, err := s.entries.List(ctx, tenantID, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable entries")
	}

	ordinals, err := s.periodOrdinals(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	groups := make(map[slotGroupKey][]models.TimetableEntry)
	for _, entry := range entries {
		key := slotGroupKey{dayOfWeek: entry.DayOfWeek, periodID: entry.PeriodID, weekOffset: entry.WeekOffset}
		groups[key] = append(groups[key], entry)
	}

	var conflicts []models.Conflict
	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		conflicts = append(conflicts, groupConflicts(key, group, models.ConflictTypeTeacher)...)
		conflicts = append(conflicts, groupConflicts(key, group, models.ConflictTypeRoom)...)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if oa, ob := ordinals[a.PeriodID], ordinals[b.PeriodID]; oa != ob {
			return oa < ob
		}
		if a.PeriodID != b.PeriodID {
			return a.PeriodID < b.PeriodID
		}
		if a.WeekOffset != b.WeekOffset {
			return a.WeekOffset < b.WeekOffset
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.EntryA.ID != b.EntryA.ID {
			return a.EntryA.ID < b.EntryA.ID
		}
		return a.EntryB.ID < b.EntryB.ID
	})

	return conflicts, nil
}

func (s *ConflictService) periodOrdinals(ctx context.Context, tenantID string) (map[string]int, error) {
	periods, err := s.periods.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load periods")
	}
	ordinals := make(map[string]int, len(periods))
	for _, p := range periods {
		ordinals[p.ID] = p.Ordinal
	}
	return ordinals, nil
}

// groupConflicts emits every pair inside one slot group sharing the given
// resource with different classes. A single slot can yield both teacher and
// room conflicts against different counterparts.
func groupConflicts(key slotGroupKey, group []models.TimetableEntry, conflictType models.ConflictType) []models.Conflict {
	byResource := make(map[string][]models.TimetableEntry)
	for _, entry := range group {
		byResource[resourceID(entry, conflictType)] = append(byResource[resourceID(entry, conflictType)], entry)
	}

	var conflicts []models.Conflict
	for resource, booked := range byResource {
		if len(booked) < 2 {
			continue
		}
		sort.Slice(booked, func(i, j int) bool { return booked[i].ClassID < booked[j].ClassID })
		for i := 0; i < len(booked); i++ {
			for j := i + 1; j < len(booked); j++ {
				if booked[i].ClassID == booked[j].ClassID {
					continue
				}
				conflicts = append(conflicts, models.Conflict{
					Type:       conflictType,
					ResourceID: resource,
					DayOfWeek:  key.dayOfWeek,
					PeriodID:   key.periodID,
					WeekOffset: key.weekOffset,
					EntryA:     booked[i],
					EntryB:     booked[j],
				})
			}
		}
	}
	return conflicts
}

func resourceID(entry models.TimetableEntry, conflictType models.ConflictType) string {
	if conflictType == models.ConflictTypeTeacher {
		return entry.TeacherID
	}
	return entry.ClassroomID
}
