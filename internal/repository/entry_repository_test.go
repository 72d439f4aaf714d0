package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolops/timetable-api/internal/models"
)

func newEntryRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "term_id", "day_of_week", "period_id", "week_offset", "class_id", "teacher_id", "classroom_id", "created_at", "updated_at"})
}

func TestEntryRepositoryListFiltersByTerm(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	rows := entryRows().
		AddRow("entry-1", "tenant-1", "term-1", 1, "p1", 0, "class-a", "teacher-1", "room-1", time.Now(), time.Now()).
		AddRow("entry-2", "tenant-1", "term-1", 1, "p2", 0, "class-a", "teacher-2", "room-2", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+entryColumns+" FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 ORDER BY day_of_week ASC, period_id ASC, week_offset ASC, class_id ASC")).
		WithArgs("tenant-1", "term-1").
		WillReturnRows(rows)

	entries, err := repo.List(context.Background(), "tenant-1", models.EntryFilter{TermID: "term-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryListWithOffsetAndTeacher(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	offset := models.WeekOffsetAlternate
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+entryColumns+" FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 AND teacher_id = $3 AND week_offset = $4")).
		WithArgs("tenant-1", "term-1", "teacher-1", 1).
		WillReturnRows(entryRows())

	entries, err := repo.List(context.Background(), "tenant-1", models.EntryFilter{TermID: "term-1", TeacherID: "teacher-1", WeekOffset: &offset})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryFindBySlotGroup(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	rows := entryRows().
		AddRow("entry-1", "tenant-1", "term-1", 2, "p3", 0, "class-a", "teacher-1", "room-1", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+entryColumns+" FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 AND day_of_week = $3 AND period_id = $4 AND week_offset = $5 ORDER BY class_id ASC")).
		WithArgs("tenant-1", "term-1", 2, "p3", 0).
		WillReturnRows(rows)

	entries, err := repo.FindBySlotGroup(context.Background(), "tenant-1", "term-1", 2, "p3", models.WeekOffsetBase)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "class-a", entries[0].ClassID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryUpsertReturnsGeneratedID(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	created := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("entry-1", created))

	entry := models.TimetableEntry{
		TermID:      "term-1",
		DayOfWeek:   1,
		PeriodID:    "p1",
		ClassID:     "class-a",
		TeacherID:   "teacher-1",
		ClassroomID: "room-1",
	}
	require.NoError(t, repo.Upsert(context.Background(), "tenant-1", &entry))
	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryUpsertTranslatesTeacherConstraint(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: constraintTeacherSlot})

	entry := models.TimetableEntry{
		TermID:      "term-1",
		DayOfWeek:   1,
		PeriodID:    "p1",
		ClassID:     "class-b",
		TeacherID:   "teacher-1",
		ClassroomID: "room-2",
	}
	err := repo.Upsert(context.Background(), "tenant-1", &entry)
	var violation *SlotUniqueViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, models.ConflictTypeTeacher, violation.Resource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryDeleteByKeyIdempotent(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 AND day_of_week = $3 AND period_id = $4 AND week_offset = $5 AND class_id = $6")).
		WithArgs("tenant-1", "term-1", 1, "p1", 0, "class-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	affected, err := repo.DeleteByKey(context.Background(), "tenant-1", models.EntryKey{
		TermID:    "term-1",
		DayOfWeek: 1,
		PeriodID:  "p1",
		ClassID:   "class-a",
	})
	require.NoError(t, err)
	assert.Zero(t, affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryBulkUpsertReplace(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2")).
		WithArgs("tenant-1", "term-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entries := []models.TimetableEntry{
		{DayOfWeek: 1, PeriodID: "p1", ClassID: "class-a", TeacherID: "teacher-1", ClassroomID: "room-1"},
		{DayOfWeek: 1, PeriodID: "p2", ClassID: "class-a", TeacherID: "teacher-2", ClassroomID: "room-1"},
	}
	cleared, err := repo.BulkUpsert(context.Background(), "tenant-1", "term-1", entries, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cleared)
	assert.Equal(t, "tenant-1", entries[0].TenantID)
	assert.NotEmpty(t, entries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryBulkUpsertRollsBackOnViolation(t *testing.T) {
	db, mock, cleanup := newEntryRepoMock(t)
	defer cleanup()
	repo := NewEntryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: constraintRoomSlot})
	mock.ExpectRollback()

	entries := []models.TimetableEntry{
		{DayOfWeek: 1, PeriodID: "p1", ClassID: "class-a", TeacherID: "teacher-1", ClassroomID: "room-1"},
		{DayOfWeek: 1, PeriodID: "p1", ClassID: "class-b", TeacherID: "teacher-2", ClassroomID: "room-1"},
	}
	_, err := repo.BulkUpsert(context.Background(), "tenant-1", "term-1", entries, false)
	var violation *SlotUniqueViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, models.ConflictTypeRoom, violation.Resource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateUniquePassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Equal(t, plain, translateUnique(plain))
}
