// Package engine runs attribution queries: it fetches conversions and
// touchpoints, builds journeys across a bounded worker pool, and merges the
// per-batch results into one response, degrading with a note when the
// store is slow or failing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/trustioagency/IQsion-sub000/internal/attribution"
	"github.com/trustioagency/IQsion-sub000/internal/config"
	"github.com/trustioagency/IQsion-sub000/internal/journey"
	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
	"github.com/trustioagency/IQsion-sub000/internal/telemetry"
	"github.com/trustioagency/IQsion-sub000/internal/utils"
)

type Params struct {
	LookbackDays    int
	MaxLookbackDays int
	MaxRangeDays    int
	HalfLife        time.Duration
	DefaultModel    attribution.Model
	ProfitMargin    float64
	TopPaths        int
	QueryTimeout    time.Duration
	Workers         int
	BatchSize       int
	MaxConversions  int
	RetryAttempts   int
	RetryBase       time.Duration
	CacheTTL        time.Duration
}

func ParamsFromConfig(cfg config.Config) (Params, error) {
	m, err := attribution.ParseModel(cfg.DefaultModel)
	if err != nil {
		return Params{}, err
	}
	return Params{
		LookbackDays:    cfg.LookbackDays,
		MaxLookbackDays: cfg.MaxLookbackDays,
		MaxRangeDays:    cfg.MaxRangeDays,
		HalfLife:        time.Duration(cfg.HalfLifeDays * float64(24*time.Hour)),
		DefaultModel:    m,
		ProfitMargin:    cfg.ProfitMargin,
		TopPaths:        cfg.TopPaths,
		QueryTimeout:    cfg.QueryTimeout,
		Workers:         cfg.Workers,
		BatchSize:       cfg.BatchSize,
		MaxConversions:  cfg.MaxConversions,
		RetryAttempts:   cfg.RetryAttempts,
		RetryBase:       cfg.RetryBase,
		CacheTTL:        cfg.CacheTTL,
	}, nil
}

// Result is one computed answer. Partial results carry at least one note.
type Result struct {
	Query         Query
	Sources       []models.AttributionResult
	Total         float64
	Patterns      []models.JourneyPattern
	TotalJourneys int
	Conversions   int
	Partial       bool
	Notes         []string
}

// Note joins all degradation and approximation notes.
func (r *Result) Note() string { return strings.Join(r.Notes, "; ") }

// Syncer pulls new facts into the store before a refresh.
type Syncer func(ctx context.Context) error

const tracerName = "github.com/trustioagency/IQsion-sub000/internal/engine"

type Service struct {
	rd     store.Reader
	p      Params
	log    *slog.Logger
	met    *telemetry.Metrics
	tracer trace.Tracer
	cache  *cache
	sync   Syncer
}

func NewService(rd store.Reader, p Params, log *slog.Logger, met *telemetry.Metrics) *Service {
	if p.BatchSize <= 0 {
		p.BatchSize = 256
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = 30 * time.Second
	}
	if p.TopPaths <= 0 {
		p.TopPaths = 3
	}
	return &Service{rd: rd, p: p, log: log, met: met, tracer: otel.Tracer(tracerName), cache: newCache(p.CacheTTL)}
}

// WithTracerProvider replaces the global tracer provider for this service.
func (s *Service) WithTracerProvider(tp trace.TracerProvider) *Service {
	s.tracer = tp.Tracer(tracerName)
	return s
}

// WithSyncer sets the hook Refresh runs before invalidating the cache.
func (s *Service) WithSyncer(fn Syncer) *Service {
	s.sync = fn
	return s
}

// Refresh pulls new facts when a syncer is configured and drops every
// cached result. It returns the new cache generation.
func (s *Service) Refresh(ctx context.Context, trigger string) (uint64, error) {
	if s.sync != nil {
		if err := s.sync(ctx); err != nil {
			return 0, fmt.Errorf("sync: %w", err)
		}
	}
	return s.Invalidate(trigger), nil
}

// Invalidate drops every cached result without pulling new facts.
func (s *Service) Invalidate(trigger string) uint64 {
	gen := s.cache.invalidate()
	s.met.Refresh(trigger)
	s.log.Info("attribution cache refreshed", slog.String("trigger", trigger), slog.Uint64("generation", gen))
	return gen
}

// Run answers q. Store outages and the query timeout degrade into a
// partial result with notes; the call fails only when no data could be
// fetched at all, on invalid input, or when ctx is cancelled.
func (s *Service) Run(ctx context.Context, q Query) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("attribution.kpi", string(q.KPI)),
		attribute.String("attribution.model", string(q.Model)),
		attribute.String("attribution.start", q.Start.Format(dateLayout)),
		attribute.String("attribution.end", q.End.Format(dateLayout)),
	))
	defer span.End()

	if err := s.Validate(q); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	key := q.key()
	if r, ok := s.cache.get(key); ok {
		s.met.CacheHit()
		span.SetAttributes(attribute.Bool("attribution.cached", true))
		return r, nil
	}
	gen := s.cache.generation()

	start := time.Now()
	res, err := s.compute(ctx, q)
	s.met.ObserveQuery(string(q.KPI), string(q.Model), outcome(res, err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("attribution.conversions", res.Conversions),
		attribute.Bool("attribution.partial", res.Partial),
	)
	if !res.Partial {
		s.cache.put(key, gen, res)
	}
	return res, nil
}

func outcome(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case err != nil:
		return "error"
	case res.Partial:
		return "partial"
	}
	return "ok"
}

type batch struct {
	identities  []string
	conversions []models.Conversion
}

type shard struct {
	acc  *attribution.Accumulator
	pats *journey.PatternSet
}

func (s *Service) compute(ctx context.Context, q Query) (*Result, error) {
	qctx, cancel := context.WithTimeout(ctx, s.p.QueryTimeout)
	defer cancel()

	res := &Result{Query: q}
	log := s.log.With(slog.String("rid", utils.RID(ctx)), slog.String("kpi", string(q.KPI)), slog.String("model", string(q.Model)))

	convs, err := s.fetchConversions(qctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		if qctx.Err() == nil {
			// store down and nothing usable fetched
			return nil, err
		}
		log.Warn("conversion fetch timed out", slog.Int("fetched", len(convs)))
		res.Partial = true
		res.Notes = append(res.Notes, fmt.Sprintf("query timed out after %s while reading conversions; %d conversions read", s.p.QueryTimeout, len(convs)))
		s.met.Partial("timeout")
	}

	if s.p.MaxConversions > 0 && len(convs) > s.p.MaxConversions {
		res.Notes = append(res.Notes, fmt.Sprintf("sampled %d of %d conversions", s.p.MaxConversions, len(convs)))
		convs = sample(convs, s.p.MaxConversions)
		s.met.Partial("sampled")
	}

	batches := s.partition(convs)
	shards := make([]*shard, len(batches))
	failed := make([]error, len(batches))

	g := new(errgroup.Group)
	g.SetLimit(s.p.Workers)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			if qctx.Err() != nil {
				return nil
			}
			sh, err := s.runBatch(qctx, q, b)
			if err != nil {
				if qctx.Err() == nil {
					failed[i] = err
					log.Warn("batch skipped", slog.Int("batch", i), slog.Int("identities", len(b.identities)), slog.String("err", err.Error()))
				}
				return nil
			}
			shards[i] = sh
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	acc := attribution.NewAccumulator(q.Model, q.KPI, s.opts())
	pats := journey.NewPatternSet()
	var timedOut, unavailable, broken, done int
	var firstBroken error
	for i, sh := range shards {
		switch {
		case sh != nil:
			acc.Merge(sh.acc)
			pats.Merge(sh.pats)
			done++
		case errors.Is(failed[i], store.ErrUnavailable):
			unavailable += len(batches[i].conversions)
		case failed[i] != nil:
			broken += len(batches[i].conversions)
			if firstBroken == nil {
				firstBroken = failed[i]
			}
		default:
			timedOut += len(batches[i].conversions)
		}
	}
	if len(batches) > 0 && done == 0 && timedOut == 0 {
		if firstBroken != nil {
			return nil, fmt.Errorf("building journeys: %w", firstBroken)
		}
		return nil, fmt.Errorf("%w: no touchpoints could be fetched", store.ErrUnavailable)
	}
	if unavailable > 0 {
		res.Partial = true
		res.Notes = append(res.Notes, fmt.Sprintf("touchpoint store unavailable: %d of %d conversions not attributed", unavailable, len(convs)))
		s.met.Partial("store_unavailable")
	}
	if broken > 0 {
		res.Partial = true
		res.Notes = append(res.Notes, fmt.Sprintf("touchpoint data unreadable: %d of %d conversions not attributed", broken, len(convs)))
		s.met.Partial("batch_error")
	}
	if timedOut > 0 {
		res.Partial = true
		res.Notes = append(res.Notes, fmt.Sprintf("query timed out after %s: %d of %d conversions not attributed", s.p.QueryTimeout, timedOut, len(convs)))
		s.met.Partial("timeout")
	}
	if n := acc.Approximated(); n > 0 {
		switch q.KPI {
		case models.KPIProfit:
			res.Notes = append(res.Notes, fmt.Sprintf("profit estimated at %.0f%% margin for %d conversions", s.p.ProfitMargin*100, n))
		case models.KPITraffic:
			res.Notes = append(res.Notes, fmt.Sprintf("session count assumed 1 for %d conversions", n))
		}
	}

	res.Sources = acc.Results()
	res.Total = acc.Total()
	res.Conversions = acc.Conversions()
	res.Patterns = pats.Top(q.TopN)
	res.TotalJourneys = pats.Total()
	s.met.JourneysBuilt(res.TotalJourneys)
	log.Info("attribution computed",
		slog.Int("conversions", res.Conversions),
		slog.Int("batches", len(batches)),
		slog.Bool("partial", res.Partial))
	return res, nil
}

func (s *Service) opts() attribution.Options {
	return attribution.Options{HalfLife: s.p.HalfLife, ProfitMargin: s.p.ProfitMargin}
}

func (s *Service) backoff(op string) utils.Backoff {
	return utils.NewBackoff(s.p.RetryBase, s.p.RetryAttempts).RetryIf(func(err error) bool {
		if errors.Is(err, store.ErrUnavailable) {
			s.met.StoreRetry(op)
			return true
		}
		return false
	})
}

// fetchConversions reads the whole conversion range. On failure it returns
// whatever the last attempt read.
func (s *Service) fetchConversions(ctx context.Context, q Query) ([]models.Conversion, error) {
	var out []models.Conversion
	err := s.backoff("conversions").Do(ctx, func(int) error {
		out = out[:0]
		cur, err := s.rd.FetchConversions(ctx, q.Start, q.Through(), q.KPI)
		if err != nil {
			return err
		}
		defer cur.Close()
		for cur.Next() {
			out = append(out, cur.Value())
		}
		return cur.Err()
	})
	return out, err
}

// partition groups conversions by identity and cuts the sorted identity
// list into batches.
func (s *Service) partition(convs []models.Conversion) []batch {
	byID := make(map[string][]models.Conversion)
	for _, c := range convs {
		byID[c.IdentityKey] = append(byID[c.IdentityKey], c)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []batch
	for lo := 0; lo < len(ids); lo += s.p.BatchSize {
		hi := min(lo+s.p.BatchSize, len(ids))
		b := batch{identities: ids[lo:hi]}
		for _, id := range b.identities {
			b.conversions = append(b.conversions, byID[id]...)
		}
		out = append(out, b)
	}
	return out
}

func (s *Service) runBatch(ctx context.Context, q Query, b batch) (*shard, error) {
	ctx, span := s.tracer.Start(ctx, "engine.batch", trace.WithAttributes(
		attribute.Int("attribution.identities", len(b.identities)),
		attribute.Int("attribution.conversions", len(b.conversions)),
	))
	defer span.End()

	var js []models.Journey
	err := s.backoff("touchpoints").Do(ctx, func(int) error {
		cur, err := s.rd.FetchTouchpoints(ctx, b.identities, q.Start.Add(-q.Lookback), q.Through())
		if err != nil {
			return err
		}
		defer cur.Close()
		js, err = journey.Build(b.conversions, cur, q.Lookback)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sh := &shard{acc: attribution.NewAccumulator(q.Model, q.KPI, s.opts()), pats: journey.NewPatternSet()}
	for i := range js {
		js[i].TotalCreditedValue = sh.acc.Add(js[i])
		sh.pats.Add(js[i])
	}
	return sh, nil
}

// sample keeps n conversions spread evenly over the time-ordered input.
func sample(convs []models.Conversion, n int) []models.Conversion {
	out := make([]models.Conversion, 0, n)
	for k := 0; k < n; k++ {
		out = append(out, convs[k*len(convs)/n])
	}
	return out
}
