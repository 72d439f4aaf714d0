package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
	"github.com/schoolops/timetable-api/pkg/export"
)

type bulkApplier interface {
	BulkUpsert(ctx context.Context, tenantID string, req BulkUpsertRequest) (*models.BulkUpsertResult, error)
}

// ImportService decodes exported timetable documents and replays them
// through the bulk mutation path, so imports obey the exact same conflict
// and atomicity rules as hand-entered batches.
type ImportService struct {
	applier bulkApplier
	logger  *zap.Logger
	maxRows int
}

// NewImportService constructs an ImportService.
func NewImportService(applier bulkApplier, logger *zap.Logger, maxRows int) *ImportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRows <= 0 {
		maxRows = 5000
	}
	return &ImportService{applier: applier, logger: logger, maxRows: maxRows}
}

// Import applies a previously exported document to the term. Merge mode adds
// on top of the stored timetable; replace mode clears the term first. Either
// everything applies or nothing does.
func (s *ImportService) Import(ctx context.Context, tenantID, termID string, format ExportFormat, mode models.ImportMode, payload []byte) (*models.ImportResult, error) {
	if termID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "term is required")
	}
	if mode != models.ImportModeMerge && mode != models.ImportModeReplace {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported import mode %q", mode))
	}
	if len(payload) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "import payload is empty")
	}

	var (
		entries []models.ExportEntry
		err     error
	)
	switch format {
	case ExportFormatJSON:
		entries, err = decodeJSONImport(payload)
	case ExportFormatCSV:
		entries, err = decodeCSVImport(payload)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported import format %q", format))
	}
	if err != nil {
		var rowErrs *models.RowErrorList
		if errors.As(err, &rowErrs) {
			return nil, appErrors.WithDetails(appErrors.Wrap(rowErrs, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, rowErrs.Error()), rowErrs)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to decode import payload")
	}

	if len(entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "import contains no entries")
	}
	if len(entries) > s.maxRows {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("import exceeds %d rows", s.maxRows))
	}

	items := make([]BulkSlotItem, len(entries))
	for i, entry := range entries {
		items[i] = BulkSlotItem{
			DayOfWeek:   entry.DayOfWeek,
			PeriodID:    entry.PeriodID,
			WeekOffset:  int(entry.WeekOffset),
			ClassID:     entry.ClassID,
			TeacherID:   entry.TeacherID,
			ClassroomID: entry.ClassroomID,
		}
	}

	result, err := s.applier.BulkUpsert(ctx, tenantID, BulkUpsertRequest{
		TermID:        termID,
		ClearExisting: mode == models.ImportModeReplace,
		Items:         items,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("timetable import applied",
		zap.String("term_id", termID),
		zap.String("mode", string(mode)),
		zap.Int("applied", result.Applied),
		zap.Int("cleared", result.Cleared))

	return &models.ImportResult{Applied: result.Applied, Cleared: result.Cleared, Mode: mode}, nil
}

func decodeJSONImport(payload []byte) ([]models.ExportEntry, error) {
	var doc models.TimetableExport
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return doc.Entries, nil
}

func decodeCSVImport(payload []byte) ([]models.ExportEntry, error) {
	dataset, err := export.ParseCSV(payload)
	if err != nil {
		return nil, err
	}

	var rowErrors []models.RowError
	entries := make([]models.ExportEntry, 0, len(dataset.Rows))
	for i, row := range dataset.Rows {
		entry, errs := exportEntryFromRow(i, row)
		if len(errs) > 0 {
			rowErrors = append(rowErrors, errs...)
			continue
		}
		entries = append(entries, entry)
	}
	if len(rowErrors) > 0 {
		return nil, &models.RowErrorList{Rows: rowErrors}
	}
	return entries, nil
}

func exportEntryFromRow(row int, record map[string]string) (models.ExportEntry, []models.RowError) {
	var errs []models.RowError
	invalid := func(message string) {
		errs = append(errs, models.RowError{Row: row, Code: appErrors.ErrValidation.Code, Message: message})
	}

	day, err := strconv.Atoi(record["day_of_week"])
	if err != nil || day < 0 || day > 6 {
		invalid(fmt.Sprintf("day_of_week %q must be an integer within 0-6", record["day_of_week"]))
	}
	offset, err := strconv.Atoi(record["week_offset"])
	if err != nil || (offset != 0 && offset != 1) {
		invalid(fmt.Sprintf("week_offset %q must be 0 or 1", record["week_offset"]))
	}
	for _, column := range []string{"period_id", "class_id", "teacher_id", "classroom_id"} {
		if record[column] == "" {
			invalid(fmt.Sprintf("%s is required", column))
		}
	}
	if len(errs) > 0 {
		return models.ExportEntry{}, errs
	}

	return models.ExportEntry{
		DayOfWeek:   day,
		PeriodID:    record["period_id"],
		WeekOffset:  models.WeekOffset(offset),
		ClassID:     record["class_id"],
		TeacherID:   record["teacher_id"],
		ClassroomID: record["classroom_id"],
	}, nil
}
