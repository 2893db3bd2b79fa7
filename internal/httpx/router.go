package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/trustioagency/IQsion-sub000/internal/engine"
	"github.com/trustioagency/IQsion-sub000/internal/ingest"
	"github.com/trustioagency/IQsion-sub000/internal/store"
	"github.com/trustioagency/IQsion-sub000/internal/telemetry"
	"github.com/trustioagency/IQsion-sub000/internal/utils"
)

// StatusClientClosedRequest is reported when the caller goes away mid-query.
const StatusClientClosedRequest = 499

// clock dates default query windows and sample data.
var clock = time.Now

type api struct {
	log *slog.Logger
	svc *engine.Service
	st  store.Writer
}

func NewRouter(log *slog.Logger, svc *engine.Service, st store.Writer, met *telemetry.Metrics) http.Handler {
	a := &api{log: log, svc: svc, st: st}

	mux := chi.NewRouter()
	mux.Use(utils.RequestID)
	mux.Use(utils.Logger(log))

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ready")) })
	mux.Method(http.MethodGet, "/metrics", met.Handler())

	mux.Route("/api/attribution", func(r chi.Router) {
		r.Use(compress)
		r.Get("/sources", a.sources)
		r.Get("/customer-journeys", a.customerJourneys)
		r.Post("/process-journeys", a.processJourneys)
		r.Post("/generate-sample-data", a.generateSampleData)
	})
	return mux
}

func (a *api) sources(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.ParseQuery(r.URL.Query(), clock())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.Run(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSourcesResponse(res))
}

func (a *api) customerJourneys(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.ParseQuery(r.URL.Query(), clock())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.Run(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJourneysResponse(res))
}

func (a *api) processJourneys(w http.ResponseWriter, r *http.Request) {
	gen, err := a.svc.Refresh(r.Context(), "api")
	if err != nil {
		a.log.Error("refresh failed", slog.String("rid", utils.RID(r.Context())), slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "generation": gen})
}

func (a *api) generateSampleData(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	opts := ingest.SampleOptions{
		Identities: clamp(atoiDef(v.Get("identities"), 50), 1, 5000),
		Days:       clamp(atoiDef(v.Get("days"), 30), 1, 365),
		End:        clock(),
		Seed:       int64(atoiDef(v.Get("seed"), 1)),
	}
	stats, err := ingest.GenerateSample(r.Context(), a.st, opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.svc.Invalidate("sample")
	writeJSON(w, http.StatusCreated, map[string]any{
		"touchpoints": stats.Touchpoints,
		"conversions": stats.Conversions,
	})
}

// compress gzips responses for clients that accept it.
func compress(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) }

type errorBody struct {
	Error string `json:"error"`
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidRange), errors.Is(err, engine.ErrInvalidQuery):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrCancelled):
		code = StatusClientClosedRequest
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
	case errors.Is(err, store.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		a.log.Error("request failed", slog.String("rid", utils.RID(r.Context())), slog.Int("status", code), slog.String("err", err.Error()))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.Encode(v)
}

func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
