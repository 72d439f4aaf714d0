package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
)

type weekConfigRepository interface {
	Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error)
	Upsert(ctx context.Context, tenantID string, cfg *models.WeekConfig) error
}

// UpsertWeekConfigRequest replaces the working-week shape for a tenant or a
// single term. An empty TermID targets the tenant-wide default.
type UpsertWeekConfigRequest struct {
	TermID           string                      `json:"term_id"`
	WorkingDays      []int                       `json:"working_days" validate:"required,min=1,max=7,unique,dive,min=0,max=6"`
	LunchAfterPeriod *int                        `json:"lunch_after_period,omitempty" validate:"omitempty,min=1"`
	ExtraLunchRules  map[string]models.LunchRule `json:"extra_lunch_rules,omitempty"`
}

// WeekConfigService manages the per-tenant working-week configuration that
// the suggester and mutators consult.
type WeekConfigService struct {
	configs   weekConfigRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewWeekConfigService constructs a WeekConfigService.
func NewWeekConfigService(configs weekConfigRepository, validate *validator.Validate, logger *zap.Logger) *WeekConfigService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeekConfigService{configs: configs, validator: validate, logger: logger}
}

// Get resolves the effective config for a term, falling back to the tenant
// default when the term has no override.
func (s *WeekConfigService) Get(ctx context.Context, tenantID, termID string) (*models.WeekConfig, error) {
	cfg, err := s.configs.Get(ctx, tenantID, termID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no week configuration for tenant")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load week config")
	}
	return cfg, nil
}

// Upsert stores the config and returns the persisted row.
func (s *WeekConfigService) Upsert(ctx context.Context, tenantID string, req UpsertWeekConfigRequest) (*models.WeekConfig, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid week config payload")
	}

	cfg := models.WeekConfig{
		WorkingDays:      make(pq.Int64Array, len(req.WorkingDays)),
		LunchAfterPeriod: req.LunchAfterPeriod,
	}
	for i, day := range req.WorkingDays {
		cfg.WorkingDays[i] = int64(day)
	}
	if req.TermID != "" {
		termID := req.TermID
		cfg.TermID = &termID
	}
	if len(req.ExtraLunchRules) > 0 {
		rules, err := json.Marshal(req.ExtraLunchRules)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lunch rules")
		}
		cfg.ExtraLunchRules = rules
	}

	if err := s.configs.Upsert(ctx, tenantID, &cfg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store week config")
	}

	s.logger.Info("week config updated",
		zap.String("term_id", req.TermID),
		zap.Ints("working_days", req.WorkingDays))
	return &cfg, nil
}
