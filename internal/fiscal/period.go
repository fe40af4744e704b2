package fiscal

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod indicates a month/year pair outside the accepted range.
var ErrInvalidPeriod = errors.New("fiscal: invalid period")

// Period identifies a calendar month used for ledgers and obligations.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// NewPeriod builds a validated period.
func NewPeriod(month, year int) (Period, error) {
	p := Period{Month: month, Year: year}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// PeriodOf returns the period containing t, evaluated in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	if loc != nil {
		t = t.In(loc)
	}
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// Validate checks month and year bounds.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidPeriod, p.Month)
	}
	if p.Year < 1900 || p.Year > 9999 {
		return fmt.Errorf("%w: year %d", ErrInvalidPeriod, p.Year)
	}
	return nil
}

// Bounds returns the half-open window [start, end) covering the month in loc.
func (p Period) Bounds(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// Previous returns the month before p.
func (p Period) Previous() Period {
	if p.Month == 1 {
		return Period{Month: 12, Year: p.Year - 1}
	}
	return Period{Month: p.Month - 1, Year: p.Year}
}

// Key packs the period into a sortable integer (YYYYMM).
func (p Period) Key() int32 {
	return int32(p.Year*100 + p.Month)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// DateOf truncates t to its calendar date in loc. The returned value is
// midnight UTC so it binds cleanly to DATE columns.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
