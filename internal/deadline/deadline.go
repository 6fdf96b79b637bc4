// Package deadline computes statutory deadlines from a severity window table.
//
// The calculator reads no clock: given the same start, severity, table and
// calendar answers it always returns the same instant.
package deadline

import (
	"context"
	"errors"
	"time"

	"expedientes/internal/calendar"
	"expedientes/internal/config"
	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
)

// maxScanDays bounds the date-by-date walk used for oracles without their own
// arithmetic, so a calendar that never answers true cannot loop forever.
const maxScanDays = 3660

// Table maps each severity to its window length in Unit days.
type Table struct {
	Unit    string
	Windows map[domain.Severity]int
}

// TableFromConfig exposes the configured regulatory windows.
func TableFromConfig(cfg *config.Config) Table {
	unit := cfg.Deadlines.Unit
	if unit == "" {
		unit = config.UnitBusiness
	}
	windows := make(map[domain.Severity]int, len(cfg.Deadlines.Windows))
	for k, v := range cfg.Deadlines.Windows {
		windows[k] = v
	}
	return Table{Unit: unit, Windows: windows}
}

type Calculator struct {
	Table    Table
	Calendar calendar.Oracle
}

func New(table Table, cal calendar.Oracle) Calculator {
	return Calculator{Table: table, Calendar: cal}
}

// ComputeFatalDeadline returns the instant by which a case of the given
// severity started at start must be resolved. The result is never before start.
func (c Calculator) ComputeFatalDeadline(ctx context.Context, start time.Time, severity domain.Severity) (time.Time, error) {
	days, ok := c.Table.Windows[severity]
	if !ok {
		return time.Time{}, dErrors.Newf(dErrors.InvalidInput, "no deadline window for severity %q", severity)
	}
	return c.AddDays(ctx, start, days, c.Table.Unit)
}

// AddDays advances start by days counted in unit, keeping the wall-clock time.
func (c Calculator) AddDays(ctx context.Context, start time.Time, days int, unit string) (time.Time, error) {
	if days <= 0 {
		return start, nil
	}
	if unit == config.UnitCalendar {
		return start.AddDate(0, 0, days), nil
	}
	if c.Calendar == nil {
		return time.Time{}, dErrors.New(dErrors.CollaboratorUnavailable, "business-day calendar not configured")
	}
	if ar, ok := c.Calendar.(calendar.Arithmetic); ok {
		t, err := ar.AddBusinessDays(start, days)
		if err != nil {
			return time.Time{}, calendarErr(err)
		}
		return t, nil
	}
	counted := 0
	cur := start
	for scanned := 0; scanned < maxScanDays; scanned++ {
		cur = cur.AddDate(0, 0, 1)
		ok, err := c.Calendar.IsBusinessDay(ctx, cur)
		if err != nil {
			return time.Time{}, dErrors.Wrap(err, dErrors.CollaboratorUnavailable, "calendar lookup failed")
		}
		if !ok {
			continue
		}
		counted++
		if counted == days {
			return cur, nil
		}
	}
	return time.Time{}, dErrors.Newf(dErrors.CollaboratorUnavailable, "calendar yielded fewer than %d business days in %d days", days, maxScanDays)
}

// BusinessDaysUntil counts business days in (from, to]. It is negative when to
// is before from, counting the business days in (to, from].
func (c Calculator) BusinessDaysUntil(ctx context.Context, from, to time.Time) (int, error) {
	if c.Table.Unit == config.UnitCalendar {
		return calendarDaysBetween(from, to), nil
	}
	if c.Calendar == nil {
		return 0, dErrors.New(dErrors.CollaboratorUnavailable, "business-day calendar not configured")
	}
	sign := 1
	if to.Before(from) {
		from, to = to, from
		sign = -1
	}
	if ar, ok := c.Calendar.(calendar.Arithmetic); ok {
		n, err := ar.BusinessDaysBetween(from, to)
		if err != nil {
			return 0, calendarErr(err)
		}
		return sign * n, nil
	}
	n := 0
	cur := truncateDay(from)
	end := truncateDay(to)
	for scanned := 0; cur.Before(end) && scanned < maxScanDays; scanned++ {
		cur = cur.AddDate(0, 0, 1)
		ok, err := c.Calendar.IsBusinessDay(ctx, cur)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CollaboratorUnavailable, "calendar lookup failed")
		}
		if ok {
			n++
		}
	}
	return sign * n, nil
}

func calendarErr(err error) error {
	if errors.Is(err, calendar.ErrNoWorkdays) {
		return dErrors.Wrap(err, dErrors.InvalidInput, "business-day calendar is misconfigured")
	}
	return dErrors.Wrap(err, dErrors.CollaboratorUnavailable, "calendar lookup failed")
}

func calendarDaysBetween(from, to time.Time) int {
	return int(truncateDay(to).Sub(truncateDay(from)).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
