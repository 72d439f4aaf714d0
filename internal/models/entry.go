package models

import "time"

// WeekOffset distinguishes the base weekly pattern (0) from the alternate
// pattern (1) used for fortnightly rotations. No other values are valid.
type WeekOffset int

const (
	WeekOffsetBase      WeekOffset = 0
	WeekOffsetAlternate WeekOffset = 1
)

// TimetableEntry represents one scheduled occupation of a period by a class.
// Uniqueness is enforced per (tenant, term, day, period, week offset) for
// each of class, teacher and classroom.
type TimetableEntry struct {
	ID          string     `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"-"`
	TermID      string     `db:"term_id" json:"term_id"`
	DayOfWeek   int        `db:"day_of_week" json:"day_of_week"`
	PeriodID    string     `db:"period_id" json:"period_id"`
	WeekOffset  WeekOffset `db:"week_offset" json:"week_offset"`
	ClassID     string     `db:"class_id" json:"class_id"`
	TeacherID   string     `db:"teacher_id" json:"teacher_id"`
	ClassroomID string     `db:"classroom_id" json:"classroom_id"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// EntryKey identifies the class-facing slot an entry occupies. Deletes are
// keyed by it so callers never need surrogate ids.
type EntryKey struct {
	TermID     string     `json:"term_id"`
	DayOfWeek  int        `json:"day_of_week"`
	PeriodID   string     `json:"period_id"`
	WeekOffset WeekOffset `json:"week_offset"`
	ClassID    string     `json:"class_id"`
}

// EntryFilter describes query params for listing timetable entries.
type EntryFilter struct {
	TermID      string
	ClassID     string
	TeacherID   string
	ClassroomID string
	DayOfWeek   *int
	WeekOffset  *WeekOffset
}

// Slot is a (day, period) coordinate in the weekly grid.
type Slot struct {
	DayOfWeek int    `json:"day_of_week"`
	PeriodID  string `json:"period_id"`
}

// TimetableGrid is the weekly day-by-period rendering of a term's entries.
type TimetableGrid struct {
	TermID     string             `json:"term_id"`
	WeekOffset *WeekOffset        `json:"week_offset,omitempty"`
	Days       []TimetableGridDay `json:"days"`
}

// TimetableGridDay holds one working day's period cells.
type TimetableGridDay struct {
	DayOfWeek int                 `json:"day_of_week"`
	Periods   []TimetableGridCell `json:"periods"`
}

// TimetableGridCell pairs a period with the entries occupying it.
type TimetableGridCell struct {
	Period  Period           `json:"period"`
	Entries []TimetableEntry `json:"entries"`
}
