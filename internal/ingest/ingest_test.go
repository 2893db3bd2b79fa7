package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustioagency/IQsion-sub000/internal/channel"
	"github.com/trustioagency/IQsion-sub000/internal/config"
	"github.com/trustioagency/IQsion-sub000/internal/ingest"
	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// helper: hace la petición y devuelve código HTTP + error de red (si hubo)
func fetchURL(c ingest.HTTPClient, url string) (int, error) {
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func TestHTTPClientHandles500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	code, err := fetchURL(ingest.NewHTTPClient(2*time.Second), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestHTTPClientHandles404(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	code, err := fetchURL(ingest.NewHTTPClient(2*time.Second), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPClientHandlesTimeout(t *testing.T) {
	// servidor fake que se tarda más del timeout
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := fetchURL(ingest.NewHTTPClient(50*time.Millisecond), srv.URL)
	assert.Error(t, err)
}

func TestGetJSONWithRetryRecoversFrom5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	var got []int
	err := ingest.GetJSONWithRetry(context.Background(), ingest.NewHTTPClient(time.Second), srv.URL, &got, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetJSONWithRetryStopsOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var got []int
	err := ingest.GetJSONWithRetry(context.Background(), ingest.NewHTTPClient(time.Second), srv.URL, &got, 3, time.Millisecond)
	var se *ingest.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetJSONWithRetryDoesNotRetryBadPayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var got []int
	err := ingest.GetJSONWithRetry(context.Background(), ingest.NewHTTPClient(time.Second), srv.URL, &got, 3, time.Millisecond)
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

const touchpointFeed = `[
 {"event_id":"e1","identity_key":" a@x.com ","channel":"Google Ads","type":"Click","timestamp":"2025-08-01T10:00:00Z","campaign_id":"C-1","cost":1.5},
 {"event_id":"e1","identity_key":"a@x.com","channel":"Google Ads","type":"click","timestamp":"2025-08-01T10:00:00Z"},
 {"event_id":"e2","identity_key":"","channel":"meta","type":"impression","timestamp":"2025-08-01T09:00:00Z"},
 {"event_id":"e3","identity_key":"a@x.com","channel":"meta","type":"impression","timestamp":"yesterday"},
 {"event_id":"e4","identity_key":"a@x.com","channel":"meta","type":"impression","timestamp":"2025-07-01T00:00:00Z"}
]`

const conversionFeed = `[
 {"order_id":"o1","identity_key":"a@x.com","timestamp":"2025-08-02T10:00:00Z","value":100,"revenue":100,"session_count":2},
 {"order_id":"o1","identity_key":"a@x.com","timestamp":"2025-08-02T10:00:00Z","value":100}
]`

func collectors(t *testing.T) config.Config {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/touchpoints", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, touchpointFeed) })
	mux.HandleFunc("/conversions", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, conversionFeed) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return config.Config{
		CollectorTouchpointsURL: srv.URL + "/touchpoints",
		CollectorConversionsURL: srv.URL + "/conversions",
		RetryAttempts:           1,
		RetryBase:               time.Millisecond,
	}
}

func TestLoaderSyncIsIdempotent(t *testing.T) {
	cfg := collectors(t)
	st := store.NewMemoryStore()
	l := ingest.NewLoader(ingest.NewHTTPClient(time.Second), st, discard, cfg)
	since := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)

	stats, err := l.Sync(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, ingest.Stats{Touchpoints: 1, Conversions: 1, Duplicates: 2, Skipped: 3}, stats)

	stats, err = l.Sync(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, ingest.Stats{Duplicates: 4, Skipped: 3}, stats)

	tpn, cvn := st.Counts()
	assert.Equal(t, 1, tpn)
	assert.Equal(t, 1, cvn)

	cur, err := st.FetchTouchpoints(context.Background(), nil, since, since.AddDate(0, 1, 0))
	require.NoError(t, err)
	tps, err := store.Collect(cur)
	require.NoError(t, err)
	require.Len(t, tps, 1)
	assert.Equal(t, "a@x.com", tps[0].IdentityKey)
	assert.Equal(t, models.TypeClick, tps[0].Type)
	require.NotNil(t, tps[0].Cost)
	assert.Equal(t, 1.5, *tps[0].Cost)
}

func TestLoaderSyncFailsWhenCollectorDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	cfg := config.Config{
		CollectorTouchpointsURL: srv.URL,
		CollectorConversionsURL: srv.URL,
		RetryAttempts:           1,
		RetryBase:               time.Millisecond,
	}
	st := store.NewMemoryStore()

	_, err := ingest.NewLoader(ingest.NewHTTPClient(time.Second), st, discard, cfg).Sync(context.Background(), nil)
	assert.ErrorContains(t, err, "touchpoints feed")
	tpn, cvn := st.Counts()
	assert.Zero(t, tpn+cvn)
}

func TestLoaderClampsNegativeAmounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/touchpoints", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "[]") })
	mux.HandleFunc("/conversions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"order_id":"o9","identity_key":"b@x.com","timestamp":"2025-08-03T10:00:00Z","value":-5,"revenue":120,"profit":-40}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	cfg := config.Config{
		CollectorTouchpointsURL: srv.URL + "/touchpoints",
		CollectorConversionsURL: srv.URL + "/conversions",
		RetryAttempts:           1,
		RetryBase:               time.Millisecond,
	}
	st := store.NewMemoryStore()

	stats, err := ingest.NewLoader(ingest.NewHTTPClient(time.Second), st, discard, cfg).Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conversions)

	day := time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC)
	cur, err := st.FetchConversions(context.Background(), day, day.AddDate(0, 0, 1), models.KPIProfit)
	require.NoError(t, err)
	cvs, err := store.Collect(cur)
	require.NoError(t, err)
	require.Len(t, cvs, 1)
	assert.Equal(t, 0.0, cvs[0].Value)
	assert.Equal(t, 120.0, cvs[0].KPIDimensions.Revenue)
	require.NotNil(t, cvs[0].KPIDimensions.Profit)
	assert.Equal(t, 0.0, *cvs[0].KPIDimensions.Profit)
}

func TestGenerateSampleIsDeterministic(t *testing.T) {
	end := time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)
	opts := ingest.SampleOptions{Identities: 40, Days: 30, End: end, Seed: 7}
	ctx := context.Background()

	dump := func() ([]models.Touchpoint, []models.Conversion, ingest.Stats) {
		st := store.NewMemoryStore()
		stats, err := ingest.GenerateSample(ctx, st, opts)
		require.NoError(t, err)
		from := end.AddDate(0, 0, -60)
		tc, err := st.FetchTouchpoints(ctx, nil, from, end.AddDate(0, 0, 1))
		require.NoError(t, err)
		tps, err := store.Collect(tc)
		require.NoError(t, err)
		cc, err := st.FetchConversions(ctx, from, end.AddDate(0, 0, 1), models.KPITraffic)
		require.NoError(t, err)
		cvs, err := store.Collect(cc)
		require.NoError(t, err)
		return tps, cvs, stats
	}

	tps1, cvs1, s1 := dump()
	tps2, cvs2, s2 := dump()
	assert.Equal(t, s1, s2)
	assert.Equal(t, tps1, tps2)
	assert.Equal(t, cvs1, cvs2)
	assert.Len(t, tps1, s1.Touchpoints)
	assert.Len(t, cvs1, s1.Conversions)
	assert.NotZero(t, s1.Conversions)

	for _, tp := range tps1 {
		assert.NotEqual(t, channel.Other, channel.Normalize(tp.Channel), tp.Channel)
	}
}
