package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/schoolops/timetable-api/internal/models"
)

// Unique constraint names from migration 0001. The constraint that fired
// tells us which resource a racing writer double-booked.
const (
	constraintClassSlot   = "timetable_entries_class_slot_key"
	constraintTeacherSlot = "timetable_entries_teacher_slot_key"
	constraintRoomSlot    = "timetable_entries_room_slot_key"
)

// SlotUniqueViolation signals the database rejected a write that would
// double-book a resource, independent of any application-level pre-check.
type SlotUniqueViolation struct {
	Resource models.ConflictType
	Err      error
}

// Error implements the error interface.
func (e *SlotUniqueViolation) Error() string {
	return fmt.Sprintf("slot unique violation on %s: %v", e.Resource, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *SlotUniqueViolation) Unwrap() error {
	return e.Err
}

func translateUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case constraintTeacherSlot:
			return &SlotUniqueViolation{Resource: models.ConflictTypeTeacher, Err: err}
		case constraintRoomSlot:
			return &SlotUniqueViolation{Resource: models.ConflictTypeRoom, Err: err}
		case constraintClassSlot:
			return &SlotUniqueViolation{Resource: models.ConflictTypeClass, Err: err}
		}
	}
	return err
}

const entryColumns = "id, tenant_id, term_id, day_of_week, period_id, week_offset, class_id, teacher_id, classroom_id, created_at, updated_at"

// EntryRepository provides persistence for timetable entries. Every query is
// scoped by tenant id.
type EntryRepository struct {
	db *sqlx.DB
}

// NewEntryRepository creates a new entry repository.
func NewEntryRepository(db *sqlx.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// List returns entries for a tenant with optional filtering, ordered
// deterministically by day, period, week offset and class.
func (r *EntryRepository) List(ctx context.Context, tenantID string, filter models.EntryFilter) ([]models.TimetableEntry, error) {
	conditions := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}

	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.ClassroomID != "" {
		conditions = append(conditions, fmt.Sprintf("classroom_id = $%d", len(args)+1))
		args = append(args, filter.ClassroomID)
	}
	if filter.DayOfWeek != nil {
		conditions = append(conditions, fmt.Sprintf("day_of_week = $%d", len(args)+1))
		args = append(args, *filter.DayOfWeek)
	}
	if filter.WeekOffset != nil {
		conditions = append(conditions, fmt.Sprintf("week_offset = $%d", len(args)+1))
		args = append(args, int(*filter.WeekOffset))
	}

	query := fmt.Sprintf(
		"SELECT %s FROM timetable_entries WHERE %s ORDER BY day_of_week ASC, period_id ASC, week_offset ASC, class_id ASC",
		entryColumns, strings.Join(conditions, " AND "),
	)

	var entries []models.TimetableEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list timetable entries: %w", err)
	}
	return entries, nil
}

// FindBySlotGroup returns the entries occupying one (day, period, week
// offset) coordinate of a term, the unit the conflict checks operate on.
func (r *EntryRepository) FindBySlotGroup(ctx context.Context, tenantID, termID string, dayOfWeek int, periodID string, offset models.WeekOffset) ([]models.TimetableEntry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 AND day_of_week = $3 AND period_id = $4 AND week_offset = $5 ORDER BY class_id ASC",
		entryColumns,
	)
	var entries []models.TimetableEntry
	if err := r.db.SelectContext(ctx, &entries, query, tenantID, termID, dayOfWeek, periodID, int(offset)); err != nil {
		return nil, fmt.Errorf("find slot group: %w", err)
	}
	return entries, nil
}

// Upsert inserts an entry or overwrites the same class's booking of the same
// slot. The teacher and classroom constraints still reject the write, which
// surfaces as a SlotUniqueViolation.
func (r *EntryRepository) Upsert(ctx context.Context, tenantID string, entry *models.TimetableEntry) error {
	entry.TenantID = tenantID
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	const query = `
INSERT INTO timetable_entries (id, tenant_id, term_id, day_of_week, period_id, week_offset, class_id, teacher_id, classroom_id, created_at, updated_at)
VALUES (:id, :tenant_id, :term_id, :day_of_week, :period_id, :week_offset, :class_id, :teacher_id, :classroom_id, :created_at, :updated_at)
ON CONFLICT ON CONSTRAINT timetable_entries_class_slot_key DO UPDATE
SET teacher_id = EXCLUDED.teacher_id,
    classroom_id = EXCLUDED.classroom_id,
    updated_at = EXCLUDED.updated_at
RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, r.db, query, entry)
	if err != nil {
		return translateUnique(fmt.Errorf("upsert timetable entry: %w", err))
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&entry.ID, &entry.CreatedAt); err != nil {
			return fmt.Errorf("scan upserted entry: %w", err)
		}
	}
	return rows.Err()
}

// DeleteByKey removes the entry occupying a class slot. Returns the number
// of rows removed; zero is not an error, keeping deletes idempotent.
func (r *EntryRepository) DeleteByKey(ctx context.Context, tenantID string, key models.EntryKey) (int64, error) {
	const query = `DELETE FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2 AND day_of_week = $3 AND period_id = $4 AND week_offset = $5 AND class_id = $6`
	res, err := r.db.ExecContext(ctx, query, tenantID, key.TermID, key.DayOfWeek, key.PeriodID, int(key.WeekOffset), key.ClassID)
	if err != nil {
		return 0, fmt.Errorf("delete timetable entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete timetable entry rows: %w", err)
	}
	return affected, nil
}

// BulkUpsert applies a validated batch inside a single transaction. With
// clearExisting the term's entries are removed first, so the whole
// clear-then-insert sequence commits or rolls back as one unit. Returns the
// number of rows cleared.
func (r *EntryRepository) BulkUpsert(ctx context.Context, tenantID, termID string, entries []models.TimetableEntry, clearExisting bool) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cleared int64
	if clearExisting {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `DELETE FROM timetable_entries WHERE tenant_id = $1 AND term_id = $2`, tenantID, termID)
		if err != nil {
			err = fmt.Errorf("clear term entries: %w", err)
			return 0, err
		}
		if cleared, err = res.RowsAffected(); err != nil {
			err = fmt.Errorf("clear term entries rows: %w", err)
			return 0, err
		}
	}

	now := time.Now().UTC()
	const query = `
INSERT INTO timetable_entries (id, tenant_id, term_id, day_of_week, period_id, week_offset, class_id, teacher_id, classroom_id, created_at, updated_at)
VALUES (:id, :tenant_id, :term_id, :day_of_week, :period_id, :week_offset, :class_id, :teacher_id, :classroom_id, :created_at, :updated_at)
ON CONFLICT ON CONSTRAINT timetable_entries_class_slot_key DO UPDATE
SET teacher_id = EXCLUDED.teacher_id,
    classroom_id = EXCLUDED.classroom_id,
    updated_at = EXCLUDED.updated_at`

	for i := range entries {
		payload := entries[i]
		payload.TenantID = tenantID
		payload.TermID = termID
		if payload.ID == "" {
			payload.ID = uuid.NewString()
		}
		if payload.CreatedAt.IsZero() {
			payload.CreatedAt = now
		}
		payload.UpdatedAt = now

		if _, err = sqlx.NamedExecContext(ctx, tx, query, &payload); err != nil {
			err = translateUnique(fmt.Errorf("bulk upsert entry %d: %w", i, err))
			return 0, err
		}
		entries[i] = payload
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit bulk upsert: %w", err)
		return 0, err
	}
	return cleared, nil
}
