package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	touchpoints map[string][]models.Touchpoint // per identity, sorted by (ts, seq)
	conversions []models.Conversion
	seen        map[string]struct{} // idempotencia por-record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		touchpoints: make(map[string][]models.Touchpoint),
		seen:        make(map[string]struct{}),
	}
}

func (s *MemoryStore) MarkSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) AppendTouchpoints(_ context.Context, tps []models.Touchpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tp := range tps {
		s.seq++
		tp.Seq = s.seq
		list := s.touchpoints[tp.IdentityKey]
		// insert after every entry with ts <= tp.ts so equal timestamps keep ingestion order
		i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(tp.Timestamp) })
		list = append(list, models.Touchpoint{})
		copy(list[i+1:], list[i:])
		list[i] = tp
		s.touchpoints[tp.IdentityKey] = list
	}
	return nil
}

func (s *MemoryStore) AppendConversions(_ context.Context, cvs []models.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions = append(s.conversions, cvs...)
	sort.SliceStable(s.conversions, func(i, j int) bool {
		return s.conversions[i].Timestamp.Before(s.conversions[j].Timestamp)
	})
	return nil
}

func (s *MemoryStore) FetchTouchpoints(ctx context.Context, identityKeys []string, start, end time.Time) (Cursor[models.Touchpoint], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := identityKeys
	if keys == nil {
		keys = make([]string, 0, len(s.touchpoints))
		for k := range s.touchpoints {
			keys = append(keys, k)
		}
	} else {
		keys = append([]string(nil), keys...)
	}
	sort.Strings(keys)

	var out []models.Touchpoint
	prev := ""
	for i, k := range keys {
		if i > 0 && k == prev {
			continue
		}
		prev = k
		for _, tp := range s.touchpoints[k] {
			if inRange(tp.Timestamp, start, end) {
				out = append(out, tp)
			}
		}
	}
	return newSliceCursor(ctx, out), nil
}

func (s *MemoryStore) FetchConversions(ctx context.Context, start, end time.Time, kpi models.KPI) (Cursor[models.Conversion], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversion
	for _, c := range s.conversions {
		if inRange(c.Timestamp, start, end) && kpi.Includes(c) {
			out = append(out, c)
		}
	}
	return newSliceCursor(ctx, out), nil
}

// Counts returns the number of stored touchpoints and conversions.
func (s *MemoryStore) Counts() (touchpoints, conversions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.touchpoints {
		touchpoints += len(l)
	}
	return touchpoints, len(s.conversions)
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func (s *MemoryStore) Close() error { return nil }
