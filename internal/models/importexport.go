package models

import (
	"fmt"
	"time"
)

// ExportEntry is the portable entry shape: no surrogate id, no tenant, so
// exports round-trip between installations.
type ExportEntry struct {
	DayOfWeek   int        `json:"day_of_week"`
	PeriodID    string     `json:"period_id"`
	WeekOffset  WeekOffset `json:"week_offset"`
	ClassID     string     `json:"class_id"`
	TeacherID   string     `json:"teacher_id"`
	ClassroomID string     `json:"classroom_id"`
}

// TimetableExport is the structured export document.
type TimetableExport struct {
	TermID     string        `json:"term_id"`
	ExportedAt time.Time     `json:"exported_at"`
	EntryCount int           `json:"entry_count"`
	Entries    []ExportEntry `json:"entries"`
}

// ImportMode governs how imported entries interact with existing data.
type ImportMode string

const (
	ImportModeMerge   ImportMode = "merge"
	ImportModeReplace ImportMode = "replace"
)

// ImportResult summarises a fully applied import.
type ImportResult struct {
	Applied int        `json:"applied"`
	Cleared int        `json:"cleared"`
	Mode    ImportMode `json:"mode"`
}

// BulkUpsertResult summarises a fully applied bulk mutation.
type BulkUpsertResult struct {
	Applied int `json:"applied"`
	Cleared int `json:"cleared"`
}

// RowError reports one malformed record in a bulk or import payload.
type RowError struct {
	Row     int    `json:"row"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RowErrorList accumulates row-level failures so callers see every bad
// record at once instead of fixing them one at a time.
type RowErrorList struct {
	Rows []RowError `json:"rows"`
}

// Error implements the error interface.
func (e *RowErrorList) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d invalid row(s)", len(e.Rows))
}
