package models

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// LunchRule places a lunch break after a period for a specific day or cohort.
type LunchRule struct {
	AfterPeriod     int `json:"after_period"`
	DurationMinutes int `json:"duration_minutes"`
}

// WeekConfig captures a tenant's weekly shape. TermID nil means the config
// applies to every term without a term-specific override.
type WeekConfig struct {
	ID               string         `db:"id" json:"id"`
	TenantID         string         `db:"tenant_id" json:"-"`
	TermID           *string        `db:"term_id" json:"term_id,omitempty"`
	WorkingDays      pq.Int64Array  `db:"working_days" json:"working_days"`
	LunchAfterPeriod *int           `db:"lunch_after_period" json:"lunch_after_period,omitempty"`
	ExtraLunchRules  types.JSONText `db:"extra_lunch_rules" json:"extra_lunch_rules,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// WorkingDaySet returns the working days as a membership set.
func (c *WeekConfig) WorkingDaySet() map[int]bool {
	set := make(map[int]bool, len(c.WorkingDays))
	for _, day := range c.WorkingDays {
		set[int(day)] = true
	}
	return set
}

// LunchRules decodes the extra lunch rules payload.
func (c *WeekConfig) LunchRules() (map[string]LunchRule, error) {
	if len(c.ExtraLunchRules) == 0 {
		return map[string]LunchRule{}, nil
	}
	rules := map[string]LunchRule{}
	if err := json.Unmarshal(c.ExtraLunchRules, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
