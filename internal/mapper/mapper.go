// Package mapper converts upstream activity and sleep records into calendar entries.
// All functions are pure.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"stravacal/internal/models"
)

const (
	// SleepInputLayout is the local-time format accepted for sleep submissions (DD.MM.YYYY, HH:MM).
	SleepInputLayout = "02.01.2006, 15:04"

	// isoLayout renders an explicit numeric offset, including +00:00 for UTC.
	isoLayout = "2006-01-02T15:04:05-07:00"

	sleepTitle = "Sleep"

	// maxElapsedSeconds is the largest elapsed time representable as a time.Duration.
	maxElapsedSeconds = math.MaxInt64 / int64(time.Second)
)

// FormatISO renders t with an explicit UTC offset.
func FormatISO(t time.Time) string {
	return t.Format(isoLayout)
}

// MapActivity converts an upstream activity into a calendar entry.
func MapActivity(a models.ActivityRecord) (models.CalendarEntry, error) {
	if a.ID <= 0 {
		return models.CalendarEntry{}, models.Validationf("activity id must be positive, got %d", a.ID)
	}
	if a.ElapsedTime < 0 {
		return models.CalendarEntry{}, models.Validationf("activity %d has negative elapsed time %d", a.ID, a.ElapsedTime)
	}
	if a.ElapsedTime > maxElapsedSeconds {
		return models.CalendarEntry{}, models.Validationf("activity %d elapsed time %d is out of range", a.ID, a.ElapsedTime)
	}

	begin, err := parseUpstreamTime(a.StartDate)
	if err != nil {
		return models.CalendarEntry{}, models.Validationf("activity %d start_date %q: %v", a.ID, a.StartDate, err)
	}

	return models.CalendarEntry{
		UID:         strconv.FormatInt(a.ID, 10),
		Title:       a.Name,
		Description: fmt.Sprintf("Type: %s | Sport: %s", a.Type, a.SportType),
		Location:    joinLocation(a.LocationCity, a.LocationState, a.LocationCountry),
		Begin:       begin,
		End:         begin.Add(time.Duration(a.ElapsedTime) * time.Second),
	}, nil
}

// MapSleep converts a sleep record into a calendar entry whose uid is derived from its start.
func MapSleep(s models.SleepRecord) (models.CalendarEntry, error) {
	if s.Start.IsZero() || s.End.IsZero() {
		return models.CalendarEntry{}, models.Validationf("sleep record requires both start and end")
	}
	if s.End.Before(s.Start) {
		return models.CalendarEntry{}, models.Validationf("sleep end %s is before start %s", FormatISO(s.End), FormatISO(s.Start))
	}

	description := strings.TrimSpace(s.Description)
	if description == "" {
		description = sleepTitle
	}

	return models.CalendarEntry{
		UID:         "sleep-" + FormatISO(s.Start),
		Title:       sleepTitle,
		Description: description,
		Begin:       s.Start,
		End:         s.End,
	}, nil
}

// ParseSleep parses local-time sleep bounds in SleepInputLayout within loc.
func ParseSleep(start, end, description string, loc *time.Location) (models.SleepRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	begin, err := time.ParseInLocation(SleepInputLayout, strings.TrimSpace(start), loc)
	if err != nil {
		return models.SleepRecord{}, models.Validationf("startdate %q: expected format DD.MM.YYYY, HH:MM", start)
	}
	finish, err := time.ParseInLocation(SleepInputLayout, strings.TrimSpace(end), loc)
	if err != nil {
		return models.SleepRecord{}, models.Validationf("enddate %q: expected format DD.MM.YYYY, HH:MM", end)
	}
	return models.SleepRecord{Start: begin, End: finish, Description: description}, nil
}

// parseUpstreamTime accepts RFC 3339 timestamps, including the "Z" suffix, and normalizes to UTC.
func parseUpstreamTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func joinLocation(parts ...string) string {
	present := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			present = append(present, p)
		}
	}
	return strings.Join(present, ", ")
}
