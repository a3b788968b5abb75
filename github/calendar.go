package github

import (
	"context"
	"time"
)

type CalendarSource string

const (
	SourceGraph       CalendarSource = "graph"
	SourceEvents      CalendarSource = "events"
	SourcePlaceholder CalendarSource = "placeholder"

	calendarDays = 365
	dateLayout   = "2006-01-02"
)

type Day struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level int    `json:"level"`
}

type Calendar struct {
	Source CalendarSource `json:"source"`
	Total  int            `json:"total"`
	Days   []Day          `json:"days"`
}

type graphResponse struct {
	Total         map[string]int `json:"total"`
	Contributions []Day          `json:"contributions"`
}

// Calendar tries the contribution graph API, then an approximation built
// from the public events feed, then a zeroed placeholder. Each source is
// tried at most once and the result always renders.
func (s *Service) Calendar(ctx context.Context) *Calendar {
	c, err := s.graphCalendar(ctx)
	if err == nil {
		return c
	}
	s.opts.Logger.WithError(err).Info("contribution graph unavailable, deriving from events")

	c, err = s.eventsCalendar(ctx)
	if err == nil {
		return c
	}
	s.opts.Logger.WithError(err).Info("events unavailable, using placeholder calendar")

	return s.placeholderCalendar()
}

func (s *Service) graphCalendar(ctx context.Context) (*Calendar, error) {
	if s.opts.CalendarURL == "" {
		return nil, ErrEmpty
	}
	resp, err := getJSON[graphResponse](ctx, s, s.opts.CalendarURL, s.opts.TTL.Calendar)
	if err != nil {
		return nil, err
	}
	if len(resp.Contributions) == 0 {
		return nil, ErrEmpty
	}

	c := &Calendar{Source: SourceGraph, Days: resp.Contributions}
	for _, d := range c.Days {
		c.Total += d.Count
	}
	return c, nil
}

func (s *Service) eventsCalendar(ctx context.Context) (*Calendar, error) {
	events, err := s.events(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEmpty
	}

	counts := make(map[string]int, len(events))
	for _, e := range events {
		if e == nil || e.CreatedAt == nil {
			continue
		}
		counts[e.GetCreatedAt().UTC().Format(dateLayout)]++
	}

	c := s.placeholderCalendar()
	c.Source = SourceEvents
	maxCount := 0
	for i := range c.Days {
		n := counts[c.Days[i].Date]
		c.Days[i].Count = n
		c.Total += n
		maxCount = max(maxCount, n)
	}
	for i := range c.Days {
		c.Days[i].Level = level(c.Days[i].Count, maxCount)
	}
	return c, nil
}

// placeholderCalendar is the last calendarDays UTC days, all zero.
func (s *Service) placeholderCalendar() *Calendar {
	today := s.opts.Now().UTC().Truncate(24 * time.Hour)
	days := make([]Day, calendarDays)
	for i := range days {
		days[i].Date = today.AddDate(0, 0, i-calendarDays+1).Format(dateLayout)
	}
	return &Calendar{Source: SourcePlaceholder, Days: days}
}

// level buckets count into the 0-4 intensity scale relative to the busiest day.
func level(count, maxCount int) int {
	if count <= 0 || maxCount <= 0 {
		return 0
	}
	l := (count*4 + maxCount - 1) / maxCount
	return min(max(l, 1), 4)
}
