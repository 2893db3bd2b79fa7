package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/attribution"
	"github.com/trustioagency/IQsion-sub000/internal/models"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidRange rejects reversed or oversized date ranges and lookback
	// windows. Ranges are never clamped.
	ErrInvalidRange = errors.New("invalid range")
	// ErrInvalidQuery rejects unknown kpi or model values.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrCancelled is returned when the caller abandons a query. Nothing
	// computed so far is returned.
	ErrCancelled = errors.New("query cancelled")
)

type Query struct {
	KPI      models.KPI
	Model    attribution.Model
	Start    time.Time // first day, UTC midnight
	End      time.Time // last day, UTC midnight; the whole day is included
	Lookback time.Duration
	TopN     int
}

// Through is the last instant covered by the query.
func (q Query) Through() time.Time {
	return q.End.Add(24*time.Hour - time.Microsecond)
}

func (q Query) key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d", q.KPI, q.Model,
		q.Start.Format(dateLayout), q.End.Format(dateLayout), q.Lookback, q.TopN)
}

// ParseQuery reads kpi, model, startDate, endDate, lookbackDays and limit
// from v. Missing dates default to the LookbackDays days ending today.
func (s *Service) ParseQuery(v url.Values, now time.Time) (Query, error) {
	q := Query{
		Lookback: time.Duration(s.p.LookbackDays) * 24 * time.Hour,
		TopN:     s.p.TopPaths,
		Model:    s.p.DefaultModel,
	}

	kpi, err := models.ParseKPI(v.Get("kpi"))
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	q.KPI = kpi

	if m := v.Get("model"); m != "" {
		if q.Model, err = attribution.ParseModel(m); err != nil {
			return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}

	today := dayUTC(now)
	q.End = today
	if e := strings.TrimSpace(v.Get("endDate")); e != "" {
		if q.End, err = time.Parse(dateLayout, e); err != nil {
			return Query{}, fmt.Errorf("%w: endDate %q is not YYYY-MM-DD", ErrInvalidRange, e)
		}
	}
	q.Start = q.End.AddDate(0, 0, -(s.p.LookbackDays - 1))
	if st := strings.TrimSpace(v.Get("startDate")); st != "" {
		if q.Start, err = time.Parse(dateLayout, st); err != nil {
			return Query{}, fmt.Errorf("%w: startDate %q is not YYYY-MM-DD", ErrInvalidRange, st)
		}
	}

	if lb := v.Get("lookbackDays"); lb != "" {
		d, err := strconv.Atoi(lb)
		if err != nil || d <= 0 {
			return Query{}, fmt.Errorf("%w: lookbackDays %q", ErrInvalidRange, lb)
		}
		q.Lookback = time.Duration(d) * 24 * time.Hour
	}

	if l := v.Get("limit"); l != "" {
		q.TopN = clampLimit(atoiDef(l, s.p.TopPaths))
	}

	return q, s.Validate(q)
}

// Validate checks ranges against the configured maxima.
func (s *Service) Validate(q Query) error {
	if q.Start.After(q.End) {
		return fmt.Errorf("%w: startDate %s is after endDate %s", ErrInvalidRange,
			q.Start.Format(dateLayout), q.End.Format(dateLayout))
	}
	if days := int(q.End.Sub(q.Start).Hours()/24) + 1; days > s.p.MaxRangeDays {
		return fmt.Errorf("%w: %d days exceeds the %d day maximum", ErrInvalidRange, days, s.p.MaxRangeDays)
	}
	if q.Lookback <= 0 || q.Lookback > time.Duration(s.p.MaxLookbackDays)*24*time.Hour {
		return fmt.Errorf("%w: lookback must be 1..%d days", ErrInvalidRange, s.p.MaxLookbackDays)
	}
	if _, err := models.ParseKPI(string(q.KPI)); err != nil || q.KPI == "" {
		return fmt.Errorf("%w: kpi %q", ErrInvalidQuery, q.KPI)
	}
	if _, err := attribution.ParseModel(string(q.Model)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return nil
}

func atoiDef(s string, d int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

func clampLimit(n int) int {
	if n <= 0 {
		return 1
	}
	if n > 100 { // tope sano
		return 100
	}
	return n
}

func dayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
