package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolops/timetable-api/internal/models"
	"github.com/schoolops/timetable-api/internal/repository"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

type fakeEntryStore struct {
	entries   []models.TimetableEntry
	nextID    int
	listErr   error
	upsertErr error
	bulkErr   error
}

func (f *fakeEntryStore) List(ctx context.Context, tenantID string, filter models.EntryFilter) ([]models.TimetableEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var result []models.TimetableEntry
	for _, entry := range f.entries {
		if entry.TenantID != tenantID {
			continue
		}
		if filter.TermID != "" && entry.TermID != filter.TermID {
			continue
		}
		if filter.ClassID != "" && entry.ClassID != filter.ClassID {
			continue
		}
		if filter.TeacherID != "" && entry.TeacherID != filter.TeacherID {
			continue
		}
		if filter.ClassroomID != "" && entry.ClassroomID != filter.ClassroomID {
			continue
		}
		if filter.DayOfWeek != nil && entry.DayOfWeek != *filter.DayOfWeek {
			continue
		}
		if filter.WeekOffset != nil && entry.WeekOffset != *filter.WeekOffset {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if a.PeriodID != b.PeriodID {
			return a.PeriodID < b.PeriodID
		}
		if a.WeekOffset != b.WeekOffset {
			return a.WeekOffset < b.WeekOffset
		}
		return a.ClassID < b.ClassID
	})
	return result, nil
}

func (f *fakeEntryStore) FindBySlotGroup(ctx context.Context, tenantID, termID string, dayOfWeek int, periodID string, offset models.WeekOffset) ([]models.TimetableEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var result []models.TimetableEntry
	for _, entry := range f.entries {
		if entry.TenantID == tenantID && entry.TermID == termID &&
			entry.DayOfWeek == dayOfWeek && entry.PeriodID == periodID && entry.WeekOffset == offset {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClassID < result[j].ClassID })
	return result, nil
}

func (f *fakeEntryStore) Upsert(ctx context.Context, tenantID string, entry *models.TimetableEntry) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	entry.TenantID = tenantID
	for i, existing := range f.entries {
		if existing.TenantID == tenantID && existing.TermID == entry.TermID &&
			existing.DayOfWeek == entry.DayOfWeek && existing.PeriodID == entry.PeriodID &&
			existing.WeekOffset == entry.WeekOffset && existing.ClassID == entry.ClassID {
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
			entry.UpdatedAt = time.Now().UTC()
			f.entries[i] = *entry
			return nil
		}
	}
	f.nextID++
	entry.ID = fmt.Sprintf("entry-%d", f.nextID)
	entry.CreatedAt = time.Now().UTC()
	entry.UpdatedAt = entry.CreatedAt
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeEntryStore) DeleteByKey(ctx context.Context, tenantID string, key models.EntryKey) (int64, error) {
	var kept []models.TimetableEntry
	var removed int64
	for _, entry := range f.entries {
		match := entry.TenantID == tenantID && entry.TermID == key.TermID &&
			entry.DayOfWeek == key.DayOfWeek && entry.PeriodID == key.PeriodID &&
			entry.WeekOffset == key.WeekOffset && entry.ClassID == key.ClassID
		if match {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	f.entries = kept
	return removed, nil
}

func (f *fakeEntryStore) BulkUpsert(ctx context.Context, tenantID, termID string, entries []models.TimetableEntry, clearExisting bool) (int64, error) {
	if f.bulkErr != nil {
		return 0, f.bulkErr
	}
	var cleared int64
	if clearExisting {
		var kept []models.TimetableEntry
		for _, entry := range f.entries {
			if entry.TenantID == tenantID && entry.TermID == termID {
				cleared++
				continue
			}
			kept = append(kept, entry)
		}
		f.entries = kept
	}
	for i := range entries {
		entry := entries[i]
		entry.TermID = termID
		if err := f.Upsert(ctx, tenantID, &entry); err != nil {
			return 0, err
		}
	}
	return cleared, nil
}

type stubWeekConfigs struct {
	cfg *models.WeekConfig
	err error
}

func (s *stubWeekConfigs) Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.cfg == nil {
		return nil, sql.ErrNoRows
	}
	return s.cfg, nil
}

type stubPeriods struct {
	periods []models.Period
	err     error
}

func (s *stubPeriods) ListByTenant(ctx context.Context, tenantID string) ([]models.Period, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.periods, nil
}

type memCache struct {
	values      map[string][]byte
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = raw
	return nil
}

func (c *memCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.invalidated = append(c.invalidated, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range c.values {
		if strings.HasPrefix(key, prefix) {
			delete(c.values, key)
		}
	}
	return nil
}

func weekdayConfig() *models.WeekConfig {
	return &models.WeekConfig{
		ID:          "cfg-1",
		TenantID:    "tenant-1",
		WorkingDays: pq.Int64Array{1, 2, 3, 4, 5},
	}
}

func defaultPeriods() []models.Period {
	return []models.Period{
		{ID: "p1", TenantID: "tenant-1", Label: "Period 1", Ordinal: 1, StartsAt: "08:00", EndsAt: "08:45"},
		{ID: "p2", TenantID: "tenant-1", Label: "Period 2", Ordinal: 2, StartsAt: "08:50", EndsAt: "09:35"},
		{ID: "p3", TenantID: "tenant-1", Label: "Period 3", Ordinal: 3, StartsAt: "09:40", EndsAt: "10:25"},
	}
}

func newTimetableService(store *fakeEntryStore, cache *memCache) *TimetableService {
	var grid gridCache
	if cache != nil {
		grid = cache
	}
	return NewTimetableService(store, &stubWeekConfigs{cfg: weekdayConfig()}, &stubPeriods{periods: defaultPeriods()}, grid, nil, nil, nil, time.Minute)
}

func upsertReq(day int, period, class, teacher, room string) UpsertSlotRequest {
	return UpsertSlotRequest{
		TermID:      "term-1",
		DayOfWeek:   day,
		PeriodID:    period,
		ClassID:     class,
		TeacherID:   teacher,
		ClassroomID: room,
	}
}

func TestUpsertSlotPlacesEntry(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	entry, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Len(t, store.entries, 1)
}

func TestUpsertSlotOverwritesSameClass(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)
	entry, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-2", "room-2"))
	require.NoError(t, err)

	assert.Len(t, store.entries, 1)
	assert.Equal(t, "teacher-2", entry.TeacherID)
	assert.Equal(t, "room-2", entry.ClassroomID)
}

func TestUpsertSlotRejectsTeacherConflict(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)
	_, err = svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-b", "teacher-1", "room-2"))

	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrSlotConflict.Code, appErr.Code)
	detail, ok := appErr.Details.(*models.SlotConflictError)
	require.True(t, ok)
	assert.Equal(t, models.ConflictTypeTeacher, detail.Type)
	assert.Equal(t, "class-a", detail.Existing.ClassID)
	assert.Len(t, store.entries, 1)
}

func TestUpsertSlotRejectsRoomConflict(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(2, "p2", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)
	_, err = svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(2, "p2", "class-b", "teacher-2", "room-1"))

	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrSlotConflict.Code, appErr.Code)
	detail, ok := appErr.Details.(*models.SlotConflictError)
	require.True(t, ok)
	assert.Equal(t, models.ConflictTypeRoom, detail.Type)
}

func TestUpsertSlotAllowsDifferentOffsets(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	req := upsertReq(1, "p1", "class-b", "teacher-1", "room-1")
	req.WeekOffset = 1
	_, err = svc.UpsertSlot(context.Background(), "tenant-1", req)
	require.NoError(t, err)
	assert.Len(t, store.entries, 2)
}

func TestUpsertSlotRejectsNonWorkingDay(t *testing.T) {
	svc := newTimetableService(&fakeEntryStore{}, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(0, "p1", "class-a", "teacher-1", "room-1"))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrInvalidDay.Code, appErr.Code)
}

func TestUpsertSlotValidatesPayload(t *testing.T) {
	svc := newTimetableService(&fakeEntryStore{}, nil)

	req := upsertReq(1, "p1", "", "teacher-1", "room-1")
	_, err := svc.UpsertSlot(context.Background(), "tenant-1", req)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestUpsertSlotTranslatesStorageRace(t *testing.T) {
	store := &fakeEntryStore{
		upsertErr: &repository.SlotUniqueViolation{Resource: models.ConflictTypeTeacher},
	}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrSlotConflict.Code, appErr.Code)
}

func TestDeleteSlotIdempotent(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	key := models.EntryKey{TermID: "term-1", DayOfWeek: 1, PeriodID: "p1", ClassID: "class-a"}
	require.NoError(t, svc.DeleteSlot(context.Background(), "tenant-1", key))
	assert.Empty(t, store.entries)

	// deleting again is a no-op, not an error
	require.NoError(t, svc.DeleteSlot(context.Background(), "tenant-1", key))
}

func bulkItem(day int, period, class, teacher, room string) BulkSlotItem {
	return BulkSlotItem{DayOfWeek: day, PeriodID: period, ClassID: class, TeacherID: teacher, ClassroomID: room}
}

func TestBulkUpsertAppliesCleanBatch(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	result, err := svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID: "term-1",
		Items: []BulkSlotItem{
			bulkItem(1, "p1", "class-a", "teacher-1", "room-1"),
			bulkItem(1, "p2", "class-a", "teacher-1", "room-1"),
			bulkItem(2, "p1", "class-b", "teacher-2", "room-2"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Zero(t, result.Cleared)
	assert.Len(t, store.entries, 3)
}

func TestBulkUpsertEnumeratesInternalDuplicates(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID: "term-1",
		Items: []BulkSlotItem{
			bulkItem(1, "p1", "class-a", "teacher-1", "room-1"),
			bulkItem(1, "p1", "class-b", "teacher-1", "room-2"),
			bulkItem(1, "p1", "class-c", "teacher-2", "room-2"),
		},
	})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrBatchConflict.Code, appErr.Code)

	detail, ok := appErr.Details.(*models.BatchConflictError)
	require.True(t, ok)
	require.Len(t, detail.Conflicts, 2)
	assert.Equal(t, models.ConflictTypeTeacher, detail.Conflicts[0].Type)
	assert.Equal(t, 0, detail.Conflicts[0].IndexA)
	require.NotNil(t, detail.Conflicts[0].IndexB)
	assert.Equal(t, 1, *detail.Conflicts[0].IndexB)
	assert.Equal(t, models.ConflictTypeRoom, detail.Conflicts[1].Type)

	// nothing was applied
	assert.Empty(t, store.entries)
}

func TestBulkUpsertMergeChecksStoredState(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	_, err = svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID: "term-1",
		Items:  []BulkSlotItem{bulkItem(1, "p1", "class-b", "teacher-1", "room-2")},
	})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrBatchConflict.Code, appErr.Code)

	detail, ok := appErr.Details.(*models.BatchConflictError)
	require.True(t, ok)
	require.Len(t, detail.Conflicts, 1)
	require.NotNil(t, detail.Conflicts[0].Existing)
	assert.Equal(t, "class-a", detail.Conflicts[0].Existing.ClassID)
}

func TestBulkUpsertMergeReplacedClassFreesResources(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	// The batch re-places class-a elsewhere in the same slot group and hands
	// its old teacher to class-b. Overwriting class-a's row frees teacher-1.
	result, err := svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID: "term-1",
		Items: []BulkSlotItem{
			bulkItem(1, "p1", "class-a", "teacher-3", "room-3"),
			bulkItem(1, "p1", "class-b", "teacher-1", "room-1"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Len(t, store.entries, 2)
}

func TestBulkUpsertReplaceClearsTerm(t *testing.T) {
	store := &fakeEntryStore{}
	svc := newTimetableService(store, nil)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)
	_, err = svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(2, "p2", "class-b", "teacher-2", "room-2"))
	require.NoError(t, err)

	result, err := svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID:        "term-1",
		ClearExisting: true,
		Items:         []BulkSlotItem{bulkItem(3, "p1", "class-c", "teacher-1", "room-1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, result.Cleared)
	assert.Len(t, store.entries, 1)
}

func TestBulkUpsertRejectsNonWorkingDays(t *testing.T) {
	svc := newTimetableService(&fakeEntryStore{}, nil)

	_, err := svc.BulkUpsert(context.Background(), "tenant-1", BulkUpsertRequest{
		TermID: "term-1",
		Items: []BulkSlotItem{
			bulkItem(6, "p1", "class-a", "teacher-1", "room-1"),
			bulkItem(1, "p1", "class-b", "teacher-2", "room-2"),
		},
	})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrInvalidDay.Code, appErr.Code)

	detail, ok := appErr.Details.(*models.RowErrorList)
	require.True(t, ok)
	require.Len(t, detail.Rows, 1)
	assert.Equal(t, 0, detail.Rows[0].Row)
}

func TestWeeklyGridShapeAndCache(t *testing.T) {
	store := &fakeEntryStore{}
	cache := newMemCache()
	svc := newTimetableService(store, cache)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p2", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	grid, err := svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	require.NoError(t, err)
	require.Len(t, grid.Days, 5)
	assert.Equal(t, 1, grid.Days[0].DayOfWeek)
	require.Len(t, grid.Days[0].Periods, 3)
	assert.Empty(t, grid.Days[0].Periods[0].Entries)
	require.Len(t, grid.Days[0].Periods[1].Entries, 1)
	assert.Equal(t, "class-a", grid.Days[0].Periods[1].Entries[0].ClassID)

	// second read is served from cache: mutate the store behind the
	// service's back and expect the stale grid
	store.entries = nil
	cached, err := svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	require.NoError(t, err)
	assert.Len(t, cached.Days[0].Periods[1].Entries, 1)
}

func TestMutationsInvalidateGridCache(t *testing.T) {
	store := &fakeEntryStore{}
	cache := newMemCache()
	svc := newTimetableService(store, cache)

	_, err := svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(1, "p1", "class-a", "teacher-1", "room-1"))
	require.NoError(t, err)

	_, err = svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	require.NoError(t, err)
	require.NotEmpty(t, cache.values)

	_, err = svc.UpsertSlot(context.Background(), "tenant-1", upsertReq(2, "p1", "class-b", "teacher-2", "room-2"))
	require.NoError(t, err)
	assert.Empty(t, cache.values)

	_, err = svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	require.NoError(t, err)
	grid, err := svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	require.NoError(t, err)
	assert.Len(t, grid.Days[1].Periods[0].Entries, 1)
}

func TestWeeklyGridMissingWeekConfig(t *testing.T) {
	svc := NewTimetableService(&fakeEntryStore{}, &stubWeekConfigs{}, &stubPeriods{periods: defaultPeriods()}, nil, nil, nil, nil, time.Minute)

	_, err := svc.WeeklyGrid(context.Background(), "tenant-1", "term-1", nil, GridView{})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
