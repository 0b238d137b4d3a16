// internal/scheduler/schedule.go

// Package scheduler runs jobs at wall-clock times in UTC.
package scheduler

import (
	"fmt"
	"time"

	"github.com/jules-labs/library-backend/internal/config"
)

// Schedule computes the first run strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Daily fires every day at Hour:Minute UTC.
type Daily struct {
	Hour, Minute int
}

func (d Daily) Next(after time.Time) time.Time {
	after = after.UTC()
	t := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (d Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d UTC", d.Hour, d.Minute)
}

// Weekly fires on Weekday at Hour:Minute UTC.
type Weekly struct {
	Weekday      time.Weekday
	Hour, Minute int
}

func (w Weekly) Next(after time.Time) time.Time {
	after = after.UTC()
	t := time.Date(after.Year(), after.Month(), after.Day(), w.Hour, w.Minute, 0, 0, time.UTC)
	t = t.AddDate(0, 0, (int(w.Weekday)-int(t.Weekday())+7)%7)
	if !t.After(after) {
		t = t.AddDate(0, 0, 7)
	}
	return t
}

func (w Weekly) String() string {
	return fmt.Sprintf("%s at %02d:%02d UTC", w.Weekday, w.Hour, w.Minute)
}

// Monthly fires on Day of every month at Hour:Minute UTC. Day must be
// between 1 and 28 so that every month has it.
type Monthly struct {
	Day          int
	Hour, Minute int
}

func (m Monthly) Next(after time.Time) time.Time {
	after = after.UTC()
	t := time.Date(after.Year(), after.Month(), m.Day, m.Hour, m.Minute, 0, 0, time.UTC)
	if !t.After(after) {
		t = time.Date(after.Year(), after.Month()+1, m.Day, m.Hour, m.Minute, 0, 0, time.UTC)
	}
	return t
}

func (m Monthly) String() string {
	return fmt.Sprintf("day %d of the month at %02d:%02d UTC", m.Day, m.Hour, m.Minute)
}

// Schedules are the job times from the configuration.
type Schedules struct {
	Overdue Daily
	DueSoon Daily
	Weekly  Weekly
	Monthly Monthly
}

// FromConfig parses the HH:MM job times.
func FromConfig(cfg config.JobsConfig) (Schedules, error) {
	var s Schedules
	var err error
	if s.Overdue.Hour, s.Overdue.Minute, err = config.ParseClock(cfg.OverdueAt); err != nil {
		return s, fmt.Errorf("overdue notices: %w", err)
	}
	if s.DueSoon.Hour, s.DueSoon.Minute, err = config.ParseClock(cfg.DueSoonAt); err != nil {
		return s, fmt.Errorf("due-soon notices: %w", err)
	}
	if s.Weekly.Hour, s.Weekly.Minute, err = config.ParseClock(cfg.WeeklyAt); err != nil {
		return s, fmt.Errorf("weekly report: %w", err)
	}
	s.Weekly.Weekday = cfg.WeeklyOn
	if s.Monthly.Hour, s.Monthly.Minute, err = config.ParseClock(cfg.MonthlyAt); err != nil {
		return s, fmt.Errorf("monthly analytics: %w", err)
	}
	if cfg.MonthlyDay < 1 || cfg.MonthlyDay > 28 {
		return s, fmt.Errorf("monthly analytics: day %d outside 1..28", cfg.MonthlyDay)
	}
	s.Monthly.Day = cfg.MonthlyDay
	return s, nil
}
