package calendar

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"stravacal/internal/models"
)

const productID = "-//stravacal//EN"

// NewDocument returns an empty VCALENDAR carrying the required header properties.
func NewDocument() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// EntryComponent converts a calendar entry into a VEVENT component.
// Times are written as UTC instants so the document needs no VTIMEZONE.
func EntryComponent(entry models.CalendarEntry, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, entry.UID)
	ve.Props.SetText(ical.PropSummary, entry.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, entry.Begin.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, entry.End.UTC())

	if entry.Description != "" {
		ve.Props.SetText(ical.PropDescription, entry.Description)
	}
	if entry.Location != "" {
		ve.Props.SetText(ical.PropLocation, entry.Location)
	}
	return ve
}

// SingleEventDocument wraps one entry into its own VCALENDAR, as CalDAV servers expect.
func SingleEventDocument(entry models.CalendarEntry, stamp time.Time) *ical.Calendar {
	cal := NewDocument()
	cal.Children = append(cal.Children, EntryComponent(entry, stamp))
	return cal
}

// Encode serializes cal into iCalendar text.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a single VCALENDAR document.
func Decode(r io.Reader) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return cal, nil
}

// EventUIDs returns the UIDs of every VEVENT in cal.
func EventUIDs(cal *ical.Calendar) map[string]struct{} {
	uids := make(map[string]struct{}, len(cal.Children))
	for _, ev := range cal.Events() {
		if uid, err := ev.Props.Text(ical.PropUID); err == nil && uid != "" {
			uids[uid] = struct{}{}
		}
	}
	return uids
}

// EntryFromEvent converts a VEVENT back into a calendar entry.
func EntryFromEvent(ev ical.Event, loc *time.Location) (models.CalendarEntry, error) {
	uid, err := ev.Props.Text(ical.PropUID)
	if err != nil {
		return models.CalendarEntry{}, fmt.Errorf("failed to read UID: %w", err)
	}
	begin, err := ev.DateTimeStart(loc)
	if err != nil {
		return models.CalendarEntry{}, fmt.Errorf("failed to read DTSTART of %s: %w", uid, err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil {
		return models.CalendarEntry{}, fmt.Errorf("failed to read DTEND of %s: %w", uid, err)
	}
	entry := models.CalendarEntry{UID: uid, Begin: begin, End: end}
	entry.Title, _ = ev.Props.Text(ical.PropSummary)
	entry.Description, _ = ev.Props.Text(ical.PropDescription)
	entry.Location, _ = ev.Props.Text(ical.PropLocation)
	return entry, nil
}
