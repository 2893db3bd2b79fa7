package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/config"
	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

// Loader pulls touchpoints and conversions from the collector endpoints
// into the store. Repeated pulls are idempotent.
type Loader struct {
	c   HTTPClient
	st  store.Store
	log *slog.Logger
	cfg config.Config
}

func NewLoader(c HTTPClient, st store.Store, log *slog.Logger, cfg config.Config) *Loader {
	return &Loader{c: c, st: st, log: log, cfg: cfg}
}

type touchpointRow struct {
	EventID     string   `json:"event_id"`
	IdentityKey string   `json:"identity_key"`
	Channel     string   `json:"channel"`
	Type        string   `json:"type"`
	Timestamp   string   `json:"timestamp"`
	CampaignID  string   `json:"campaign_id"`
	Cost        *float64 `json:"cost"`
}

type conversionRow struct {
	OrderID      string   `json:"order_id"`
	IdentityKey  string   `json:"identity_key"`
	Timestamp    string   `json:"timestamp"`
	Value        float64  `json:"value"`
	Revenue      float64  `json:"revenue"`
	Profit       *float64 `json:"profit"`
	SessionCount *int     `json:"session_count"`
}

// Stats counts what one Sync did.
type Stats struct {
	Touchpoints int `json:"touchpoints"`
	Conversions int `json:"conversions"`
	Duplicates  int `json:"duplicates"`
	Skipped     int `json:"skipped"`
}

// Sync pulls both feeds. Rows before since (by UTC day) are ignored.
func (l *Loader) Sync(ctx context.Context, since *time.Time) (Stats, error) {
	var st Stats
	var tRows []touchpointRow
	if err := GetJSONWithRetry(ctx, l.c, l.cfg.CollectorTouchpointsURL, &tRows, l.cfg.RetryAttempts, l.cfg.RetryBase); err != nil {
		return st, fmt.Errorf("touchpoints feed: %w", err)
	}
	var cRows []conversionRow
	if err := GetJSONWithRetry(ctx, l.c, l.cfg.CollectorConversionsURL, &cRows, l.cfg.RetryAttempts, l.cfg.RetryBase); err != nil {
		return st, fmt.Errorf("conversions feed: %w", err)
	}

	tps := make([]models.Touchpoint, 0, len(tRows))
	for _, r := range tRows {
		tp, ok := r.normalize()
		if !ok || before(tp.Timestamp, since) {
			st.Skipped++
			continue
		}
		key := "tp|" + r.EventID
		if r.EventID == "" {
			key = "tp|" + tp.IdentityKey + "|" + tp.Timestamp.Format(time.RFC3339Nano) + "|" + strings.ToLower(tp.Channel) + "|" + tp.Type
		}
		fresh, err := l.st.MarkSeen(ctx, key)
		if err != nil {
			return st, err
		}
		if !fresh { // idempotencia
			st.Duplicates++
			continue
		}
		tps = append(tps, tp)
	}

	cvs := make([]models.Conversion, 0, len(cRows))
	for _, r := range cRows {
		cv, ok := r.normalize()
		if !ok || before(cv.Timestamp, since) {
			st.Skipped++
			continue
		}
		key := "cv|" + cv.OrderID
		if cv.OrderID == "" {
			key = "cv|" + cv.IdentityKey + "|" + cv.Timestamp.Format(time.RFC3339Nano)
		}
		fresh, err := l.st.MarkSeen(ctx, key)
		if err != nil {
			return st, err
		}
		if !fresh {
			st.Duplicates++
			continue
		}
		cvs = append(cvs, cv)
	}

	if err := l.st.AppendTouchpoints(ctx, tps); err != nil {
		return st, err
	}
	if err := l.st.AppendConversions(ctx, cvs); err != nil {
		return st, err
	}
	st.Touchpoints, st.Conversions = len(tps), len(cvs)
	l.log.Info("ingest complete",
		slog.Int("touchpoints", st.Touchpoints),
		slog.Int("conversions", st.Conversions),
		slog.Int("duplicates", st.Duplicates),
		slog.Int("skipped", st.Skipped))
	return st, nil
}

func (r touchpointRow) normalize() (models.Touchpoint, bool) {
	id := strings.TrimSpace(r.IdentityKey)
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(r.Timestamp))
	if id == "" || err != nil {
		return models.Touchpoint{}, false
	}
	tp := models.Touchpoint{
		IdentityKey: id,
		Channel:     strings.TrimSpace(r.Channel),
		Timestamp:   ts.UTC(),
		Type:        strings.ToLower(strings.TrimSpace(r.Type)),
		CampaignID:  strings.TrimSpace(r.CampaignID),
	}
	if r.Cost != nil {
		c := maxf(*r.Cost)
		tp.Cost = &c
	}
	return tp, true
}

func (r conversionRow) normalize() (models.Conversion, bool) {
	id := strings.TrimSpace(r.IdentityKey)
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(r.Timestamp))
	if id == "" || err != nil {
		return models.Conversion{}, false
	}
	cv := models.Conversion{
		IdentityKey: id,
		Timestamp:   ts.UTC(),
		Value:       maxf(r.Value),
		OrderID:     strings.TrimSpace(r.OrderID),
		KPIDimensions: models.KPIDimensions{
			Revenue:      maxf(r.Revenue),
			SessionCount: r.SessionCount,
		},
	}
	if s := cv.KPIDimensions.SessionCount; s != nil && *s < 0 {
		cv.KPIDimensions.SessionCount = nil
	}
	if r.Profit != nil {
		p := maxf(*r.Profit)
		cv.KPIDimensions.Profit = &p
	}
	return cv, true
}

func before(t time.Time, since *time.Time) bool {
	return since != nil && dayUTC(t).Before(dayUTC(*since))
}

func dayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func maxf(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
