package models

// Period is reference data owned by the academic-structure module. The
// timetable core reads it for grid ordering and adjacency only; ordering
// always uses the explicit ordinal, never a parse of the opaque id.
type Period struct {
	ID       string `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"-"`
	Label    string `db:"label" json:"label"`
	Ordinal  int    `db:"ordinal" json:"ordinal"`
	StartsAt string `db:"starts_at" json:"starts_at"`
	EndsAt   string `db:"ends_at" json:"ends_at"`
}
