package collect

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	ics "github.com/arran4/golang-ical"
)

// CalendarSource summarizes an ICS feed into two keys:
// <name>NextEvent holds the summary of the next upcoming event
// and <name>Events the number of events inside the lookahead window.
type CalendarSource struct {
	CalendarName  string
	URL           string
	LookaheadDays int
	Client        *http.Client
	Now           func() time.Time
}

type calendarEvent struct {
	Start   time.Time
	End     time.Time
	Summary string
}

func (s *CalendarSource) Name() string { return "calendar:" + s.CalendarName }

func (s *CalendarSource) Fetch(ctx context.Context) (*RawData, error) {
	body, err := httpGet(ctx, s.Client, s.URL, "text/calendar")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	events, err := parseCalendarEvents(body, now, now.AddDate(0, 0, s.LookaheadDays))
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar %s: %w", s.CalendarName, err)
	}

	next := "None"
	if len(events) > 0 {
		next = events[0].Summary
	}

	raw := NewRawData()
	raw.Set(s.CalendarName+"NextEvent", next)
	raw.Set(s.CalendarName+"Events", float64(len(events)))
	return raw, nil
}

// parseCalendarEvents returns events overlapping [from, to], sorted by start
func parseCalendarEvents(data []byte, from, to time.Time) ([]calendarEvent, error) {
	cal, err := ics.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var events []calendarEvent
	for _, e := range cal.Events() {
		start, err := e.GetStartAt()
		if err != nil || start.IsZero() {
			continue
		}
		end, err := e.GetEndAt()
		if err != nil || end.IsZero() {
			end = start
		}

		if end.Before(from) || start.After(to) {
			continue
		}

		ev := calendarEvent{Start: start, End: end}
		if summary := e.GetProperty(ics.ComponentPropertySummary); summary != nil {
			ev.Summary = summary.Value
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	return events, nil
}
