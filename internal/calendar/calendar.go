package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickar/cal/v2"

	"expedientes/internal/config"
)

// ErrNoWorkdays is returned when every weekday is configured as a rest day.
var ErrNoWorkdays = errors.New("calendar has no working weekday")

// Oracle answers whether a date is a working day for deadline counting.
type Oracle interface {
	IsBusinessDay(ctx context.Context, date time.Time) (bool, error)
}

// Arithmetic is implemented by oracles that can add and count business days
// themselves instead of being asked one date at a time.
type Arithmetic interface {
	// AddBusinessDays returns the n-th business day after start, keeping its clock time.
	AddBusinessDays(start time.Time, n int) (time.Time, error)
	// BusinessDaysBetween counts business days in (from, to], from before to.
	BusinessDaysBetween(from, to time.Time) (int, error)
}

// Static is an Oracle backed by a fixed weekend and holiday list.
type Static struct {
	bc       *cal.BusinessCalendar
	workdays int
}

func NewStatic(weekend []time.Weekday, holidays []time.Time) Static {
	rest := make(map[time.Weekday]bool, len(weekend))
	for _, d := range weekend {
		rest[d] = true
	}
	s := Static{bc: cal.NewBusinessCalendar()}
	for d := time.Sunday; d <= time.Saturday; d++ {
		s.bc.SetWorkday(d, !rest[d])
		if !rest[d] {
			s.workdays++
		}
	}
	for _, h := range holidays {
		s.bc.AddHoliday(dateHoliday(h))
	}
	return s
}

// FromConfig builds a Static oracle from the calendar section of cfg.
func FromConfig(cfg *config.Config) Static {
	return NewStatic(cfg.WeekendDays(), cfg.HolidayDates())
}

func (s Static) IsBusinessDay(_ context.Context, date time.Time) (bool, error) {
	return s.bc.IsWorkday(date), nil
}

func (s Static) AddBusinessDays(start time.Time, n int) (time.Time, error) {
	if s.workdays == 0 {
		return time.Time{}, ErrNoWorkdays
	}
	return s.bc.WorkdaysFrom(start, n), nil
}

func (s Static) BusinessDaysBetween(from, to time.Time) (int, error) {
	if s.workdays == 0 {
		return 0, ErrNoWorkdays
	}
	first := startOfDay(from).AddDate(0, 0, 1)
	last := startOfDay(to)
	if first.After(last) {
		return 0, nil
	}
	return s.bc.WorkdaysInRange(first, last), nil
}

// dateHoliday pins a configured holiday to its civil date in that year only.
func dateHoliday(d time.Time) *cal.Holiday {
	return &cal.Holiday{
		Name:      fmt.Sprintf("school holiday %s", d.Format("2006-01-02")),
		Month:     d.Month(),
		Day:       d.Day(),
		StartYear: d.Year(),
		EndYear:   d.Year(),
		Func:      cal.CalcDayOfMonth,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
