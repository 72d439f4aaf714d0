package export

import (
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"
)

// Event describes one weekly recurring calendar entry.
type Event struct {
	UID      string
	Summary  string
	Location string
	Weekday  time.Weekday
	Start    string // clock time, e.g. "08:00"
	End      string
	Interval int       // recurrence interval in weeks, 1 = every week
	Anchor   time.Time // optional per-event anchor, zero means the render anchor
}

// ICalExporter renders weekly events into an iCalendar feed.
type ICalExporter struct{}

// NewICalExporter constructs an iCalendar exporter.
func NewICalExporter() *ICalExporter {
	return &ICalExporter{}
}

// Render produces an iCalendar document. Events recur weekly starting from
// the first matching weekday on or after the anchor date.
func (e *ICalExporter) Render(events []Event, name string, anchor time.Time) ([]byte, error) {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	if name != "" {
		cal.SetName(name)
	}

	for _, ev := range events {
		eventAnchor := ev.Anchor
		if eventAnchor.IsZero() {
			eventAnchor = anchor
		}
		start, err := occurrence(eventAnchor, ev.Weekday, ev.Start)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.UID, err)
		}
		end, err := occurrence(eventAnchor, ev.Weekday, ev.End)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.UID, err)
		}

		interval := ev.Interval
		if interval < 1 {
			interval = 1
		}

		item := cal.AddEvent(ev.UID)
		item.SetCreatedTime(anchor)
		item.SetDtStampTime(anchor)
		item.SetStartAt(start)
		item.SetEndAt(end)
		item.SetSummary(ev.Summary)
		if ev.Location != "" {
			item.SetLocation(ev.Location)
		}
		item.AddRrule(fmt.Sprintf("FREQ=WEEKLY;INTERVAL=%d", interval))
	}

	return []byte(cal.Serialize()), nil
}

func occurrence(anchor time.Time, weekday time.Weekday, clock string) (time.Time, error) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", clock, err)
	}

	date := anchor
	for date.Weekday() != weekday {
		date = date.AddDate(0, 0, 1)
	}

	return time.Date(date.Year(), date.Month(), date.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC), nil
}
