package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/models"
	appErrors "github.com/schoolops/timetable-api/pkg/errors"
	"github.com/schoolops/timetable-api/pkg/export"
)

// ExportFormat enumerates the supported export renderings.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatXLSX ExportFormat = "xlsx"
	ExportFormatPDF  ExportFormat = "pdf"
	ExportFormatICS  ExportFormat = "ics"
)

var exportColumns = []string{"day_of_week", "period_id", "week_offset", "class_id", "teacher_id", "classroom_id"}

// ExportFilter narrows an export to one class, teacher or classroom view.
type ExportFilter struct {
	ClassID     string
	TeacherID   string
	ClassroomID string
	WeekOffset  *models.WeekOffset
}

// ExportPayload is a rendered export ready for download.
type ExportPayload struct {
	Format      ExportFormat `json:"format"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"content_type"`
	Data        []byte       `json:"-"`
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

type xlsxRenderer interface {
	Render(data export.Dataset, sheet string) ([]byte, error)
}

type icalRenderer interface {
	Render(events []export.Event, name string, anchor time.Time) ([]byte, error)
}

// ExportService renders a term's timetable into portable documents. JSON and
// CSV round-trip through the importer; XLSX, PDF and iCal are render-only.
type ExportService struct {
	entries     entryRepository
	periods     periodLister
	csv         csvRenderer
	pdf         pdfRenderer
	xlsx        xlsxRenderer
	ical        icalRenderer
	logger      *zap.Logger
	icsInterval int
	now         func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(entries entryRepository, periods periodLister, logger *zap.Logger, icsInterval int) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if icsInterval < 1 {
		icsInterval = 1
	}
	return &ExportService{
		entries:     entries,
		periods:     periods,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		xlsx:        export.NewXLSXExporter(),
		ical:        export.NewICalExporter(),
		logger:      logger,
		icsInterval: icsInterval,
		now:         time.Now,
	}
}

// Export renders the term's entries in the requested format.
func (s *ExportService) Export(ctx context.Context, tenantID, termID string, format ExportFormat, filter ExportFilter) (*ExportPayload, error) {
	if termID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "term is required")
	}

	entryFilter := models.EntryFilter{
		TermID:      termID,
		ClassID:     filter.ClassID,
		TeacherID:   filter.TeacherID,
		ClassroomID: filter.ClassroomID,
		WeekOffset:  filter.WeekOffset,
	}
	entries, err := s.entries.List(ctx, tenantID, entryFilter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable entries")
	}

	doc := models.TimetableExport{
		TermID:     termID,
		ExportedAt: s.now().UTC(),
		EntryCount: len(entries),
		Entries:    make([]models.ExportEntry, len(entries)),
	}
	for i, entry := range entries {
		doc.Entries[i] = models.ExportEntry{
			DayOfWeek:   entry.DayOfWeek,
			PeriodID:    entry.PeriodID,
			WeekOffset:  entry.WeekOffset,
			ClassID:     entry.ClassID,
			TeacherID:   entry.TeacherID,
			ClassroomID: entry.ClassroomID,
		}
	}

	filename := fmt.Sprintf("timetable-%s-%s.%s", termID, s.now().Format("20060102"), format)

	switch format {
	case ExportFormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode export")
		}
		return &ExportPayload{Format: format, Filename: filename, ContentType: "application/json", Data: data}, nil
	case ExportFormatCSV:
		data, err := s.csv.Render(exportDataset(doc.Entries))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportPayload{Format: format, Filename: filename, ContentType: "text/csv", Data: data}, nil
	case ExportFormatXLSX:
		data, err := s.xlsx.Render(exportDataset(doc.Entries), "Timetable")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render xlsx")
		}
		return &ExportPayload{Format: format, Filename: filename, ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Data: data}, nil
	case ExportFormatPDF:
		data, err := s.pdf.Render(exportDataset(doc.Entries), fmt.Sprintf("Timetable %s", termID))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportPayload{Format: format, Filename: filename, ContentType: "application/pdf", Data: data}, nil
	case ExportFormatICS:
		data, err := s.renderICS(ctx, tenantID, termID, entries)
		if err != nil {
			return nil, err
		}
		return &ExportPayload{Format: format, Filename: filename, ContentType: "text/calendar", Data: data}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func (s *ExportService) renderICS(ctx context.Context, tenantID, termID string, entries []models.TimetableEntry) ([]byte, error) {
	periods, err := s.periods.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load periods")
	}
	times := make(map[string]models.Period, len(periods))
	for _, period := range periods {
		times[period.ID] = period
	}

	// When the term alternates fortnightly, every event recurs every two
	// weeks and offset-1 events anchor one week later.
	interval := s.icsInterval
	alternating := false
	for _, entry := range entries {
		if entry.WeekOffset == models.WeekOffsetAlternate {
			alternating = true
			break
		}
	}
	if alternating && interval < 2 {
		interval = 2
	}

	anchor := s.now().UTC()
	events := make([]export.Event, 0, len(entries))
	for _, entry := range entries {
		period, ok := times[entry.PeriodID]
		if !ok {
			s.logger.Warn("entry references unknown period, skipping in calendar",
				zap.String("period_id", entry.PeriodID), zap.String("class_id", entry.ClassID))
			continue
		}
		eventAnchor := anchor
		eventInterval := 1
		if alternating {
			eventInterval = interval
			if entry.WeekOffset == models.WeekOffsetAlternate {
				eventAnchor = anchor.AddDate(0, 0, 7)
			}
		}
		events = append(events, export.Event{
			UID:      fmt.Sprintf("%s-%s-%d-%s-%d@timetable", termID, entry.ClassID, entry.DayOfWeek, entry.PeriodID, entry.WeekOffset),
			Summary:  fmt.Sprintf("%s (%s)", entry.ClassID, entry.TeacherID),
			Location: entry.ClassroomID,
			Weekday:  time.Weekday(entry.DayOfWeek),
			Start:    period.StartsAt,
			End:      period.EndsAt,
			Interval: eventInterval,
			Anchor:   eventAnchor,
		})
	}

	data, err := s.ical.Render(events, fmt.Sprintf("Timetable %s", termID), anchor)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render calendar")
	}
	return data, nil
}

func exportDataset(entries []models.ExportEntry) export.Dataset {
	rows := make([]map[string]string, len(entries))
	for i, entry := range entries {
		rows[i] = map[string]string{
			"day_of_week":  strconv.Itoa(entry.DayOfWeek),
			"period_id":    entry.PeriodID,
			"week_offset":  strconv.Itoa(int(entry.WeekOffset)),
			"class_id":     entry.ClassID,
			"teacher_id":   entry.TeacherID,
			"classroom_id": entry.ClassroomID,
		}
	}
	return export.Dataset{Headers: exportColumns, Rows: rows}
}
