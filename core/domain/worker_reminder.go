package domain

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// naive layouts carry no offset; they are read in the user's timezone
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Reminder is the input handed over by the chat layer.
type Reminder struct {
	MessageID       string `json:"message_id"`
	Description     string `json:"description"`
	Date            string `json:"date"`                       // bare date, naive datetime or ISO instant
	DurationMinutes int    `json:"duration_minutes,omitempty"` // explicit duration
	EndDate         string `json:"end_date,omitempty"`         // explicit end
}

// Duration returns the explicit duration, 0 when unset.
func (r *Reminder) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Equal reports whether o carries the same payload.
func (r *Reminder) Equal(o *Reminder) bool {
	if r == nil || o == nil {
		return r == o
	}
	return *r == *o
}

// Validate checks the fields the sync path cannot do without.
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.MessageID) == "" {
		return fmt.Errorf("reminder: message_id is required")
	}
	if strings.TrimSpace(r.Date) == "" {
		return fmt.Errorf("reminder: date is required")
	}
	if _, err := parseReminderTime(r.Date, time.UTC); err != nil {
		return err
	}
	return nil
}

// EventTiming is the resolved start/end of the provider event.
type EventTiming struct {
	AllDay    bool
	StartDate string // all-day: local calendar date, YYYY-MM-DD
	EndDate   string // all-day: exclusive end, the following day
	Start     time.Time
	End       time.Time
	TimeZone  string
}

type parsedTime struct {
	t        time.Time
	dateOnly bool
}

func parseReminderTime(s string, loc *time.Location) (parsedTime, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return parsedTime{t: t, dateOnly: true}, nil
	}
	// ISO instant: keep the written offset so the wall clock stays as written
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsedTime{t: t}, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return parsedTime{t: t}, nil
		}
	}
	return parsedTime{}, fmt.Errorf("reminder: unrecognised date %q", s)
}

func isMidnight(t time.Time) bool {
	h, m, sec := t.Clock()
	return h == 0 && m == 0 && sec == 0 && t.Nanosecond() == 0
}

// LoadLocation resolves tz, then fallback, then UTC.
func LoadLocation(tz, fallback string) *time.Location {
	for _, name := range []string{tz, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ResolveEventTiming decides all-day vs timed and computes the event span.
//
// A bare date, or a time of exactly midnight as written, is an all-day event
// on the written calendar date. Timed end is taken from the explicit
// duration, then the explicit end date, then userDefault, then systemDefault.
func ResolveEventTiming(r *Reminder, loc *time.Location, userDefault, systemDefault time.Duration) (*EventTiming, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := parseReminderTime(r.Date, loc)
	if err != nil {
		return nil, err
	}

	if start.dateOnly || isMidnight(start.t) {
		y, m, d := start.t.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return &EventTiming{
			AllDay:    true,
			StartDate: day.Format(dateLayout),
			EndDate:   day.AddDate(0, 0, 1).Format(dateLayout),
			Start:     day,
			End:       day.AddDate(0, 0, 1),
			TimeZone:  loc.String(),
		}, nil
	}

	begin := start.t.In(loc)
	end, ok := explicitEnd(r, begin, loc)
	if !ok {
		switch {
		case userDefault > 0:
			end = begin.Add(userDefault)
		case systemDefault > 0:
			end = begin.Add(systemDefault)
		default:
			end = begin.Add(time.Hour)
		}
	}

	return &EventTiming{
		Start:    begin,
		End:      end,
		TimeZone: loc.String(),
	}, nil
}

func explicitEnd(r *Reminder, begin time.Time, loc *time.Location) (time.Time, bool) {
	if d := r.Duration(); d > 0 {
		return begin.Add(d), true
	}
	if r.EndDate == "" {
		return time.Time{}, false
	}
	parsed, err := parseReminderTime(r.EndDate, loc)
	if err != nil || !parsed.t.After(begin) {
		return time.Time{}, false
	}
	return parsed.t.In(loc), true
}
