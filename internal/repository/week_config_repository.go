package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/schoolops/timetable-api/internal/models"
)

const weekConfigColumns = "id, tenant_id, term_id, working_days, lunch_after_period, extra_lunch_rules, created_at, updated_at"

// WeekConfigRepository persists weekly working-day configuration.
type WeekConfigRepository struct {
	db *sqlx.DB
}

// NewWeekConfigRepository creates a new week config repository.
func NewWeekConfigRepository(db *sqlx.DB) *WeekConfigRepository {
	return &WeekConfigRepository{db: db}
}

// Get returns the config for a term, falling back to the tenant-wide default
// (term_id IS NULL) when no term-specific config exists. Returns
// sql.ErrNoRows when neither is present.
func (r *WeekConfigRepository) Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error) {
	var cfg models.WeekConfig

	if termID != "" {
		query := fmt.Sprintf("SELECT %s FROM week_configs WHERE tenant_id = $1 AND term_id = $2", weekConfigColumns)
		err := r.db.GetContext(ctx, &cfg, query, tenantID, termID)
		if err == nil {
			return &cfg, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("get week config: %w", err)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM week_configs WHERE tenant_id = $1 AND term_id IS NULL", weekConfigColumns)
	if err := r.db.GetContext(ctx, &cfg, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get default week config: %w", err)
	}
	return &cfg, nil
}

// Upsert stores or replaces the config for a (tenant, term-or-null) pair.
func (r *WeekConfigRepository) Upsert(ctx context.Context, tenantID string, cfg *models.WeekConfig) error {
	cfg.TenantID = tenantID
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if len(cfg.ExtraLunchRules) == 0 {
		cfg.ExtraLunchRules = []byte("{}")
	}

	const query = `
INSERT INTO week_configs (id, tenant_id, term_id, working_days, lunch_after_period, extra_lunch_rules, created_at, updated_at)
VALUES (:id, :tenant_id, :term_id, :working_days, :lunch_after_period, :extra_lunch_rules, :created_at, :updated_at)
ON CONFLICT (tenant_id, COALESCE(term_id, '')) DO UPDATE
SET working_days = EXCLUDED.working_days,
    lunch_after_period = EXCLUDED.lunch_after_period,
    extra_lunch_rules = EXCLUDED.extra_lunch_rules,
    updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, cfg); err != nil {
		return fmt.Errorf("upsert week config: %w", err)
	}
	return nil
}
