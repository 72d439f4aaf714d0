package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/schoolops/timetable-api/internal/models"
)

// PeriodRepository reads period reference data. Periods are owned by the
// academic-structure module; this repository never writes them.
type PeriodRepository struct {
	db *sqlx.DB
}

// NewPeriodRepository creates a new period repository.
func NewPeriodRepository(db *sqlx.DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

// ListByTenant returns a tenant's periods ordered by ordinal.
func (r *PeriodRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.Period, error) {
	const query = `SELECT id, tenant_id, label, ordinal, starts_at, ends_at FROM periods WHERE tenant_id = $1 ORDER BY ordinal ASC`
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query, tenantID); err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	return periods, nil
}
