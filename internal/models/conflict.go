package models

import "fmt"

// ConflictType names the resource dimension of a double-booking.
type ConflictType string

const (
	ConflictTypeTeacher ConflictType = "TEACHER"
	ConflictTypeRoom    ConflictType = "ROOM"
	ConflictTypeClass   ConflictType = "CLASS"
)

// Conflict is a derived double-booking between two stored entries. It is
// recomputed on demand and never persisted.
type Conflict struct {
	Type       ConflictType   `json:"type"`
	ResourceID string         `json:"resource_id"`
	DayOfWeek  int            `json:"day_of_week"`
	PeriodID   string         `json:"period_id"`
	WeekOffset WeekOffset     `json:"week_offset"`
	EntryA     TimetableEntry `json:"entry_a"`
	EntryB     TimetableEntry `json:"entry_b"`
}

// SlotConflictError is returned when a placement collides with an existing
// booking of the same teacher or classroom.
type SlotConflictError struct {
	Type     ConflictType   `json:"type"`
	Message  string         `json:"message"`
	Existing TimetableEntry `json:"existing"`
}

// Error implements the error interface.
func (e *SlotConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// BatchConflict describes one offending collision inside a bulk operation.
// IndexB is set for batch-internal duplicates; Existing is set when the
// batch row collides with stored state.
type BatchConflict struct {
	Type       ConflictType    `json:"type"`
	ResourceID string          `json:"resource_id"`
	DayOfWeek  int             `json:"day_of_week"`
	PeriodID   string          `json:"period_id"`
	WeekOffset WeekOffset      `json:"week_offset"`
	IndexA     int             `json:"index_a"`
	IndexB     *int            `json:"index_b,omitempty"`
	Existing   *TimetableEntry `json:"existing,omitempty"`
}

// BatchConflictError rejects an entire batch, enumerating every offending
// pair rather than only the first.
type BatchConflictError struct {
	Conflicts []BatchConflict `json:"conflicts"`
}

// Error implements the error interface.
func (e *BatchConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("batch contains %d conflicting slot(s)", len(e.Conflicts))
}
