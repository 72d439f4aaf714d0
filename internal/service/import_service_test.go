package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

func newImportFixture(t *testing.T) (*fakeEntryStore, *ImportService, *ExportService) {
	t.Helper()
	store := &fakeEntryStore{}
	timetable := newTimetableService(store, nil)
	importer := NewImportService(timetable, nil, 100)
	exporter := NewExportService(store, &stubPeriods{periods: defaultPeriods()}, nil, 1)
	return store, importer, exporter
}

func TestImportJSONRoundTrip(t *testing.T) {
	source, _, sourceExporter := newImportFixture(t)
	source.entries = []models.TimetableEntry{
		seedEntry("e1", 1, "p1", 0, "class-a", "teacher-1", "room-1"),
		seedEntry("e2", 2, "p2", 1, "class-b", "teacher-2", "room-2"),
	}

	payload, err := sourceExporter.Export(context.Background(), "tenant-1", "term-1", ExportFormatJSON, ExportFilter{})
	require.NoError(t, err)

	target, importer, targetExporter := newImportFixture(t)
	result, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatJSON, models.ImportModeMerge, payload.Data)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Zero(t, result.Cleared)
	assert.Len(t, target.entries, 2)

	// exporting the imported timetable reproduces the entry set
	reexported, err := targetExporter.Export(context.Background(), "tenant-1", "term-1", ExportFormatJSON, ExportFilter{})
	require.NoError(t, err)
	assert.JSONEq(t, jsonEntriesOnly(t, payload.Data), jsonEntriesOnly(t, reexported.Data))
}

func TestImportCSVRoundTrip(t *testing.T) {
	source, _, sourceExporter := newImportFixture(t)
	source.entries = []models.TimetableEntry{
		seedEntry("e1", 3, "p2", 0, "class-a", "teacher-1", "room-1"),
	}

	payload, err := sourceExporter.Export(context.Background(), "tenant-1", "term-1", ExportFormatCSV, ExportFilter{})
	require.NoError(t, err)

	target, importer, _ := newImportFixture(t)
	result, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatCSV, models.ImportModeMerge, payload.Data)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	require.Len(t, target.entries, 1)
	assert.Equal(t, "class-a", target.entries[0].ClassID)
	assert.Equal(t, 3, target.entries[0].DayOfWeek)
}

func TestImportReplaceClearsExisting(t *testing.T) {
	target, importer, _ := newImportFixture(t)
	target.entries = []models.TimetableEntry{
		seedEntry("old-1", 1, "p1", 0, "class-x", "teacher-9", "room-9"),
	}

	doc := `{"term_id":"term-1","entries":[{"day_of_week":2,"period_id":"p1","week_offset":0,"class_id":"class-a","teacher_id":"teacher-1","classroom_id":"room-1"}]}`
	result, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatJSON, models.ImportModeReplace, []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Cleared)
	assert.Equal(t, models.ImportModeReplace, result.Mode)
	require.Len(t, target.entries, 1)
	assert.Equal(t, "class-a", target.entries[0].ClassID)
}

func TestImportMergeRejectsConflicts(t *testing.T) {
	target, importer, _ := newImportFixture(t)
	target.entries = []models.TimetableEntry{
		seedEntry("old-1", 1, "p1", 0, "class-x", "teacher-1", "room-9"),
	}

	doc := `{"term_id":"term-1","entries":[{"day_of_week":1,"period_id":"p1","week_offset":0,"class_id":"class-a","teacher_id":"teacher-1","classroom_id":"room-1"}]}`
	_, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatJSON, models.ImportModeMerge, []byte(doc))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrBatchConflict.Code, appErr.Code)
	assert.Len(t, target.entries, 1)
}

func TestImportCSVAccumulatesRowErrors(t *testing.T) {
	_, importer, _ := newImportFixture(t)

	csvDoc := "day_of_week,period_id,week_offset,class_id,teacher_id,classroom_id\n" +
		"9,p1,0,class-a,teacher-1,room-1\n" +
		"1,p1,5,class-b,teacher-2,room-2\n" +
		"1,,0,class-c,teacher-3,room-3\n"
	_, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatCSV, models.ImportModeMerge, []byte(csvDoc))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)

	detail, ok := appErr.Details.(*models.RowErrorList)
	require.True(t, ok)
	assert.Len(t, detail.Rows, 3)
	assert.Equal(t, 0, detail.Rows[0].Row)
	assert.Equal(t, 1, detail.Rows[1].Row)
	assert.Equal(t, 2, detail.Rows[2].Row)
}

func TestImportRowLimit(t *testing.T) {
	store := &fakeEntryStore{}
	importer := NewImportService(newTimetableService(store, nil), nil, 1)

	doc := `{"term_id":"term-1","entries":[` +
		`{"day_of_week":1,"period_id":"p1","week_offset":0,"class_id":"class-a","teacher_id":"t1","classroom_id":"r1"},` +
		`{"day_of_week":1,"period_id":"p2","week_offset":0,"class_id":"class-a","teacher_id":"t1","classroom_id":"r1"}]}`
	_, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatJSON, models.ImportModeMerge, []byte(doc))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "exceeds 1 rows")
}

func TestImportRejectsUnknownMode(t *testing.T) {
	_, importer, _ := newImportFixture(t)

	_, err := importer.Import(context.Background(), "tenant-1", "term-1", ExportFormatJSON, models.ImportMode("upsert"), []byte("{}"))
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func jsonEntriesOnly(t *testing.T, doc []byte) string {
	t.Helper()
	var parsed models.TimetableExport
	require.NoError(t, json.Unmarshal(doc, &parsed))
	raw, err := json.Marshal(parsed.Entries)
	require.NoError(t, err)
	return string(raw)
}
