// Package cron computes trigger occurrences for per-account daily schedules.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse parses a standard five-field expression evaluated in timezone.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Daily returns the schedule that fires once a day at the given wall-clock
// time in timezone.
func (p *Parser) Daily(at domain.TriggerTime, timezone string) (Schedule, error) {
	if at.Hour < 0 || at.Hour > 23 || at.Minute < 0 || at.Minute > 59 {
		return nil, fmt.Errorf("trigger time %s out of range", at)
	}
	return p.Parse(fmt.Sprintf("%d %d * * *", at.Minute, at.Hour), timezone)
}

type Schedule interface {
	// Next returns the first activation strictly after the given time.
	Next(after time.Time) time.Time
	// Location is the timezone the schedule is evaluated in.
	Location() *time.Location
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

func (s *schedule) Location() *time.Location {
	return s.loc
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the last second of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Second)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// TodayAt returns the day's first activation of s on t's calendar day, or the
// following activation if the day has none (a DST gap).
func TodayAt(s Schedule, t time.Time) time.Time {
	return s.Next(StartOfDay(t, s.Location()).Add(-time.Second))
}
