package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	"github.com/schoolops/timetable-api/internal/repository"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

type entryRepository interface {
	List(ctx context.Context, tenantID string, filter models.EntryFilter) ([]models.TimetableEntry, error)
	FindBySlotGroup(ctx context.Context, tenantID, termID string, dayOfWeek int, periodID string, offset models.WeekOffset) ([]models.TimetableEntry, error)
	Upsert(ctx context.Context, tenantID string, entry *models.TimetableEntry) error
	DeleteByKey(ctx context.Context, tenantID string, key models.EntryKey) (int64, error)
	BulkUpsert(ctx context.Context, tenantID, termID string, entries []models.TimetableEntry, clearExisting bool) (int64, error)
}

type weekConfigReader interface {
	Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error)
}

type periodLister interface {
	ListByTenant(ctx context.Context, tenantID string) ([]models.Period, error)
}

type gridCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// UpsertSlotRequest describes payload for placing a class into a slot.
type UpsertSlotRequest struct {
	TermID      string `json:"term_id" validate:"required"`
	DayOfWeek   int    `json:"day_of_week" validate:"min=0,max=6"`
	PeriodID    string `json:"period_id" validate:"required"`
	WeekOffset  int    `json:"week_offset" validate:"oneof=0 1"`
	ClassID     string `json:"class_id" validate:"required"`
	TeacherID   string `json:"teacher_id" validate:"required"`
	ClassroomID string `json:"classroom_id" validate:"required"`
}

// BulkSlotItem is one row of a bulk mutation batch.
type BulkSlotItem struct {
	DayOfWeek   int    `json:"day_of_week" validate:"min=0,max=6"`
	PeriodID    string `json:"period_id" validate:"required"`
	WeekOffset  int    `json:"week_offset" validate:"oneof=0 1"`
	ClassID     string `json:"class_id" validate:"required"`
	TeacherID   string `json:"teacher_id" validate:"required"`
	ClassroomID string `json:"classroom_id" validate:"required"`
}

// BulkUpsertRequest applies many slots at once. ClearExisting removes the
// term's entries first ("replace"); otherwise the batch merges additively.
type BulkUpsertRequest struct {
	TermID        string         `json:"term_id" validate:"required"`
	ClearExisting bool           `json:"clear_existing"`
	Items         []BulkSlotItem `json:"items" validate:"required,min=1,dive"`
}

// GridView restricts the weekly grid to one class, teacher or classroom.
type GridView struct {
	ClassID     string
	TeacherID   string
	ClassroomID string
}

// TimetableService coordinates slot mutations and grid reads. Every mutation
// runs Validate -> CheckConflict -> Persist -> Report against a fresh store
// snapshot; the composite unique constraints backstop racing writers.
type TimetableService struct {
	entries   entryRepository
	configs   weekConfigReader
	periods   periodLister
	cache     gridCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cacheTTL  time.Duration
}

// NewTimetableService instantiates TimetableService.
func NewTimetableService(entries entryRepository, configs weekConfigReader, periods periodLister, cache gridCache, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cacheTTL time.Duration) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &TimetableService{
		entries:   entries,
		configs:   configs,
		periods:   periods,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cacheTTL:  cacheTTL,
	}
}

// UpsertSlot places a class into a slot. Re-placing the same class in the
// same slot overwrites its teacher and room; any collision with a different
// class's teacher or room booking is rejected without mutating state.
func (s *TimetableService) UpsertSlot(ctx context.Context, tenantID string, req UpsertSlotRequest) (*models.TimetableEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot payload")
	}

	if err := s.ensureWorkingDay(ctx, tenantID, req.TermID, req.DayOfWeek); err != nil {
		return nil, err
	}

	entry := models.TimetableEntry{
		TermID:      req.TermID,
		DayOfWeek:   req.DayOfWeek,
		PeriodID:    req.PeriodID,
		WeekOffset:  models.WeekOffset(req.WeekOffset),
		ClassID:     req.ClassID,
		TeacherID:   req.TeacherID,
		ClassroomID: req.ClassroomID,
	}

	group, err := s.entries.FindBySlotGroup(ctx, tenantID, entry.TermID, entry.DayOfWeek, entry.PeriodID, entry.WeekOffset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot conflicts")
	}
	for _, existing := range group {
		if existing.ClassID == entry.ClassID {
			continue // the entry being overwritten
		}
		if existing.TeacherID == entry.TeacherID {
			s.metrics.RecordSlotMutation("upsert", "conflict")
			return nil, s.slotConflict(models.ConflictTypeTeacher, "teacher already booked for this slot", existing)
		}
		if existing.ClassroomID == entry.ClassroomID {
			s.metrics.RecordSlotMutation("upsert", "conflict")
			return nil, s.slotConflict(models.ConflictTypeRoom, "classroom already booked for this slot", existing)
		}
	}

	if err := s.entries.Upsert(ctx, tenantID, &entry); err != nil {
		s.metrics.RecordSlotMutation("upsert", "conflict")
		return nil, s.translateStorageConflict(ctx, tenantID, entry, err)
	}

	s.metrics.RecordSlotMutation("upsert", "applied")
	s.invalidateGrid(ctx, tenantID, entry.TermID)
	return &entry, nil
}

// DeleteSlot removes a class's booking of a slot. Deleting a non-existent
// slot succeeds with zero effect.
func (s *TimetableService) DeleteSlot(ctx context.Context, tenantID string, key models.EntryKey) error {
	if key.TermID == "" || key.PeriodID == "" || key.ClassID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "term, period and class are required")
	}
	if key.DayOfWeek < 0 || key.DayOfWeek > 6 {
		return appErrors.Clone(appErrors.ErrValidation, "day of week must be within 0-6")
	}
	if key.WeekOffset != models.WeekOffsetBase && key.WeekOffset != models.WeekOffsetAlternate {
		return appErrors.Clone(appErrors.ErrValidation, "week offset must be 0 or 1")
	}

	affected, err := s.entries.DeleteByKey(ctx, tenantID, key)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete slot")
	}
	if affected > 0 {
		s.metrics.RecordSlotMutation("delete", "applied")
		s.invalidateGrid(ctx, tenantID, key.TermID)
	}
	return nil
}

// BulkUpsert validates a whole batch, then applies it in one transaction.
// Batch rows are checked against each other and against the post-clear (or
// current) stored state; any offence rejects the entire batch with all
// offending pairs enumerated. Nothing is ever partially applied.
func (s *TimetableService) BulkUpsert(ctx context.Context, tenantID string, req BulkUpsertRequest) (*models.BulkUpsertResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk slot payload")
	}

	cfg, err := s.weekConfig(ctx, tenantID, req.TermID)
	if err != nil {
		return nil, err
	}
	workingDays := cfg.WorkingDaySet()

	var rowErrors []models.RowError
	for i, item := range req.Items {
		if !workingDays[item.DayOfWeek] {
			rowErrors = append(rowErrors, models.RowError{
				Row:     i,
				Code:    appErrors.ErrInvalidDay.Code,
				Message: fmt.Sprintf("day %d is not a working day", item.DayOfWeek),
			})
		}
	}
	if len(rowErrors) > 0 {
		detail := &models.RowErrorList{Rows: rowErrors}
		return nil, appErrors.WithDetails(appErrors.Wrap(detail, appErrors.ErrInvalidDay.Code, appErrors.ErrInvalidDay.Status, "batch contains non-working days"), detail)
	}

	conflicts := batchInternalConflicts(req.Items)
	if !req.ClearExisting {
		stored, err := s.entries.List(ctx, tenantID, models.EntryFilter{TermID: req.TermID})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable entries")
		}
		conflicts = append(conflicts, storedStateConflicts(req.Items, stored)...)
	}
	if len(conflicts) > 0 {
		s.metrics.RecordSlotMutation("bulk", "conflict")
		detail := &models.BatchConflictError{Conflicts: conflicts}
		return nil, appErrors.WithDetails(appErrors.Wrap(detail, appErrors.ErrBatchConflict.Code, appErrors.ErrBatchConflict.Status, detail.Error()), detail)
	}

	entries := make([]models.TimetableEntry, len(req.Items))
	for i, item := range req.Items {
		entries[i] = models.TimetableEntry{
			TermID:      req.TermID,
			DayOfWeek:   item.DayOfWeek,
			PeriodID:    item.PeriodID,
			WeekOffset:  models.WeekOffset(item.WeekOffset),
			ClassID:     item.ClassID,
			TeacherID:   item.TeacherID,
			ClassroomID: item.ClassroomID,
		}
	}

	cleared, err := s.entries.BulkUpsert(ctx, tenantID, req.TermID, entries, req.ClearExisting)
	if err != nil {
		var uniqueErr *repository.SlotUniqueViolation
		if errors.As(err, &uniqueErr) {
			// A concurrent writer won the race inside the transaction; the
			// batch rolled back whole. Same error shape as a pre-detected
			// conflict.
			return nil, appErrors.Wrap(err, appErrors.ErrSlotConflict.Code, appErrors.ErrSlotConflict.Status, fmt.Sprintf("%s already booked for a slot in this batch", conflictNoun(uniqueErr.Resource)))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransactionFailure.Code, appErrors.ErrTransactionFailure.Status, appErrors.ErrTransactionFailure.Message)
	}

	s.metrics.RecordSlotMutation("bulk", "applied")
	s.invalidateGrid(ctx, tenantID, req.TermID)
	return &models.BulkUpsertResult{Applied: len(entries), Cleared: int(cleared)}, nil
}

// WeeklyGrid renders the term's entries as a day-by-period matrix, optionally
// filtered to one class, teacher or classroom. Grids are cached per view and
// invalidated by every mutation on the tenant+term.
func (s *TimetableService) WeeklyGrid(ctx context.Context, tenantID, termID string, offset *models.WeekOffset, view GridView) (*models.TimetableGrid, error) {
	cacheKey := gridCacheKey(tenantID, termID, offset, view)

	if s.cache != nil {
		start := time.Now()
		var cached models.TimetableGrid
		err := s.cache.Get(ctx, cacheKey, &cached)
		s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		if err == nil {
			return &cached, nil
		}
	}

	cfg, err := s.weekConfig(ctx, tenantID, termID)
	if err != nil {
		return nil, err
	}

	periods, err := s.periods.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load periods")
	}

	filter := models.EntryFilter{
		TermID:      termID,
		ClassID:     view.ClassID,
		TeacherID:   view.TeacherID,
		ClassroomID: view.ClassroomID,
		WeekOffset:  offset,
	}
	entries, err := s.entries.List(ctx, tenantID, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable entries")
	}

	bySlot := make(map[models.Slot][]models.TimetableEntry)
	for _, entry := range entries {
		slot := models.Slot{DayOfWeek: entry.DayOfWeek, PeriodID: entry.PeriodID}
		bySlot[slot] = append(bySlot[slot], entry)
	}

	days := make([]int, 0, len(cfg.WorkingDays))
	for _, day := range cfg.WorkingDays {
		days = append(days, int(day))
	}
	sort.Ints(days)

	grid := &models.TimetableGrid{TermID: termID, WeekOffset: offset, Days: make([]models.TimetableGridDay, 0, len(days))}
	for _, day := range days {
		gridDay := models.TimetableGridDay{DayOfWeek: day, Periods: make([]models.TimetableGridCell, 0, len(periods))}
		for _, period := range periods {
			cell := models.TimetableGridCell{Period: period}
			if occupants, ok := bySlot[models.Slot{DayOfWeek: day, PeriodID: period.ID}]; ok {
				cell.Entries = occupants
			}
			gridDay.Periods = append(gridDay.Periods, cell)
		}
		grid.Days = append(grid.Days, gridDay)
	}

	if s.cache != nil {
		start := time.Now()
		if err := s.cache.Set(ctx, cacheKey, grid, s.cacheTTL); err != nil {
			s.logger.Warn("grid cache set failed", zap.String("key", cacheKey), zap.Error(err))
		}
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	return grid, nil
}

func (s *TimetableService) weekConfig(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error) {
	cfg, err := s.configs.Get(ctx, tenantID, termID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no week configuration for term")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load week config")
	}
	return cfg, nil
}

func (s *TimetableService) ensureWorkingDay(ctx context.Context, tenantID, termID string, dayOfWeek int) error {
	cfg, err := s.weekConfig(ctx, tenantID, termID)
	if err != nil {
		return err
	}
	if !cfg.WorkingDaySet()[dayOfWeek] {
		return appErrors.Clone(appErrors.ErrInvalidDay, fmt.Sprintf("day %d is not a working day", dayOfWeek))
	}
	return nil
}

func (s *TimetableService) slotConflict(conflictType models.ConflictType, message string, existing models.TimetableEntry) error {
	detail := &models.SlotConflictError{Type: conflictType, Message: message, Existing: existing}
	return appErrors.WithDetails(appErrors.Wrap(detail, appErrors.ErrSlotConflict.Code, appErrors.ErrSlotConflict.Status, message), detail)
}

// translateStorageConflict converts a unique-index rejection raised by a
// racing writer into the same SlotConflict shape the pre-check produces.
func (s *TimetableService) translateStorageConflict(ctx context.Context, tenantID string, entry models.TimetableEntry, err error) error {
	var uniqueErr *repository.SlotUniqueViolation
	if !errors.As(err, &uniqueErr) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist slot")
	}

	message := fmt.Sprintf("%s already booked for this slot", conflictNoun(uniqueErr.Resource))
	group, groupErr := s.entries.FindBySlotGroup(ctx, tenantID, entry.TermID, entry.DayOfWeek, entry.PeriodID, entry.WeekOffset)
	if groupErr == nil {
		for _, existing := range group {
			if existing.ClassID == entry.ClassID {
				continue
			}
			sameTeacher := uniqueErr.Resource == models.ConflictTypeTeacher && existing.TeacherID == entry.TeacherID
			sameRoom := uniqueErr.Resource == models.ConflictTypeRoom && existing.ClassroomID == entry.ClassroomID
			if sameTeacher || sameRoom {
				return s.slotConflict(uniqueErr.Resource, message, existing)
			}
		}
	}
	return appErrors.Wrap(uniqueErr, appErrors.ErrSlotConflict.Code, appErrors.ErrSlotConflict.Status, message)
}

func (s *TimetableService) invalidateGrid(ctx context.Context, tenantID, termID string) {
	if s.cache == nil {
		return
	}
	pattern := fmt.Sprintf("timetable:grid:%s:%s:*", tenantID, termID)
	if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("grid cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

func gridCacheKey(tenantID, termID string, offset *models.WeekOffset, view GridView) string {
	offsetPart := "all"
	if offset != nil {
		offsetPart = fmt.Sprintf("%d", int(*offset))
	}
	return fmt.Sprintf("timetable:grid:%s:%s:%s:%s:%s:%s", tenantID, termID, offsetPart, view.ClassID, view.TeacherID, view.ClassroomID)
}

func conflictNoun(conflictType models.ConflictType) string {
	switch conflictType {
	case models.ConflictTypeTeacher:
		return "teacher"
	case models.ConflictTypeRoom:
		return "classroom"
	default:
		return "class"
	}
}

type batchSlotKey struct {
	dayOfWeek  int
	periodID   string
	weekOffset int
	resource   string
}

// batchInternalConflicts enumerates every duplicate pair inside the batch
// targeting the same (day, period, offset, resource). All pairs are
// reported, not just the first.
func batchInternalConflicts(items []BulkSlotItem) []models.BatchConflict {
	byKey := make(map[batchSlotKey][]int)
	record := func(key batchSlotKey, idx int) {
		byKey[key] = append(byKey[key], idx)
	}
	for i, item := range items {
		record(batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "T:" + item.TeacherID}, i)
		record(batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "R:" + item.ClassroomID}, i)
		record(batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "C:" + item.ClassID}, i)
	}

	var conflicts []models.BatchConflict
	for key, indices := range byKey {
		if len(indices) < 2 {
			continue
		}
		conflictType := models.ConflictTypeTeacher
		switch key.resource[0] {
		case 'R':
			conflictType = models.ConflictTypeRoom
		case 'C':
			conflictType = models.ConflictTypeClass
		}
		for i := 0; i < len(indices); i++ {
			for j := i + 1; j < len(indices); j++ {
				a, b := indices[i], indices[j]
				// Teacher/room duplicates only count across different classes.
				if conflictType != models.ConflictTypeClass && items[a].ClassID == items[b].ClassID {
					continue
				}
				idxB := b
				conflicts = append(conflicts, models.BatchConflict{
					Type:       conflictType,
					ResourceID: key.resource[2:],
					DayOfWeek:  key.dayOfWeek,
					PeriodID:   key.periodID,
					WeekOffset: models.WeekOffset(key.weekOffset),
					IndexA:     a,
					IndexB:     &idxB,
				})
			}
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.IndexA != b.IndexA {
			return a.IndexA < b.IndexA
		}
		if *a.IndexB != *b.IndexB {
			return *a.IndexB < *b.IndexB
		}
		return a.Type < b.Type
	})
	return conflicts
}

// storedStateConflicts checks merge batches against the current snapshot. A
// stored entry for the same class slot is the row being overwritten, so its
// teacher and room bookings do not block the batch.
func storedStateConflicts(items []BulkSlotItem, stored []models.TimetableEntry) []models.BatchConflict {
	replaced := make(map[batchSlotKey]bool)
	for _, item := range items {
		replaced[batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "C:" + item.ClassID}] = true
	}

	type occupancy struct {
		entry models.TimetableEntry
	}
	teacherBooked := make(map[batchSlotKey]occupancy)
	roomBooked := make(map[batchSlotKey]occupancy)
	for _, entry := range stored {
		classKey := batchSlotKey{entry.DayOfWeek, entry.PeriodID, int(entry.WeekOffset), "C:" + entry.ClassID}
		if replaced[classKey] {
			continue
		}
		teacherBooked[batchSlotKey{entry.DayOfWeek, entry.PeriodID, int(entry.WeekOffset), "T:" + entry.TeacherID}] = occupancy{entry}
		roomBooked[batchSlotKey{entry.DayOfWeek, entry.PeriodID, int(entry.WeekOffset), "R:" + entry.ClassroomID}] = occupancy{entry}
	}

	var conflicts []models.BatchConflict
	for i, item := range items {
		if occ, ok := teacherBooked[batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "T:" + item.TeacherID}]; ok {
			existing := occ.entry
			conflicts = append(conflicts, models.BatchConflict{
				Type:       models.ConflictTypeTeacher,
				ResourceID: item.TeacherID,
				DayOfWeek:  item.DayOfWeek,
				PeriodID:   item.PeriodID,
				WeekOffset: models.WeekOffset(item.WeekOffset),
				IndexA:     i,
				Existing:   &existing,
			})
		}
		if occ, ok := roomBooked[batchSlotKey{item.DayOfWeek, item.PeriodID, item.WeekOffset, "R:" + item.ClassroomID}]; ok {
			existing := occ.entry
			conflicts = append(conflicts, models.BatchConflict{
				Type:       models.ConflictTypeRoom,
				ResourceID: item.ClassroomID,
				DayOfWeek:  item.DayOfWeek,
				PeriodID:   item.PeriodID,
				WeekOffset: models.WeekOffset(item.WeekOffset),
				IndexA:     i,
				Existing:   &existing,
			})
		}
	}
	return conflicts
}
