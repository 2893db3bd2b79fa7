// Package journey turns conversions and their preceding touchpoints into
// journeys, and summarizes journeys into canonical paths.
package journey

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/channel"
	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

// ErrUnordered is returned when the touchpoint cursor violates the
// (identity, timestamp) ordering contract.
var ErrUnordered = errors.New("touchpoints out of order")

// Build returns one journey per conversion, in the order of conversions.
// tps must yield each identity's touchpoints contiguously and in ascending
// time; the builder merges identities in one pass and never re-sorts.
// The cursor is drained but not closed.
func Build(conversions []models.Conversion, tps store.Cursor[models.Touchpoint], lookback time.Duration) ([]models.Journey, error) {
	byIdentity := make(map[string][]int, len(conversions))
	for i, c := range conversions {
		byIdentity[c.IdentityKey] = append(byIdentity[c.IdentityKey], i)
	}

	out := make([]models.Journey, len(conversions))
	for i, c := range conversions {
		out[i] = models.Journey{IdentityKey: c.IdentityKey, Conversion: c}
	}

	var (
		cur  string
		have bool
		run  []models.Touchpoint
		done = make(map[string]struct{})
		dup  dedup
	)
	flush := func() {
		if !have {
			return
		}
		for _, ci := range byIdentity[cur] {
			out[ci].Touchpoints = window(run, conversions[ci].Timestamp, lookback)
		}
		done[cur] = struct{}{}
	}

	for tps.Next() {
		tp := tps.Value()
		if !have || tp.IdentityKey != cur {
			flush()
			if _, seen := done[tp.IdentityKey]; seen {
				return nil, fmt.Errorf("%w: identity %q is not contiguous", ErrUnordered, tp.IdentityKey)
			}
			cur, have, run = tp.IdentityKey, true, run[:0:0]
			dup.reset()
		}
		if n := len(run); n > 0 && tp.Timestamp.Before(run[n-1].Timestamp) {
			return nil, fmt.Errorf("%w: identity %q goes back in time at seq %d", ErrUnordered, tp.IdentityKey, tp.Seq)
		}
		if dup.seen(tp) {
			continue
		}
		run = append(run, tp)
	}
	if err := tps.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

// window selects touchpoints in [at-lookback, at]. run is sorted by time.
func window(run []models.Touchpoint, at time.Time, lookback time.Duration) []models.Touchpoint {
	from := at.Add(-lookback)
	lo := sort.Search(len(run), func(i int) bool { return !run[i].Timestamp.Before(from) })
	hi := sort.Search(len(run), func(i int) bool { return run[i].Timestamp.After(at) })
	if lo >= hi {
		return nil
	}
	return append([]models.Touchpoint(nil), run[lo:hi]...)
}

type dupKey struct {
	channel  channel.Channel
	typ      string
	campaign string
}

// dedup drops exact repeats of a touchpoint at the same instant, which is
// how double-fired collector events show up.
type dedup struct {
	at   time.Time
	keys map[dupKey]struct{}
}

func (d *dedup) reset() {
	d.at = time.Time{}
	d.keys = nil
}

func (d *dedup) seen(tp models.Touchpoint) bool {
	if d.keys == nil || !tp.Timestamp.Equal(d.at) {
		d.at = tp.Timestamp
		d.keys = make(map[dupKey]struct{}, 1)
	}
	k := dupKey{channel: channel.Normalize(tp.Channel), typ: tp.Type, campaign: tp.CampaignID}
	if _, ok := d.keys[k]; ok {
		return true
	}
	d.keys[k] = struct{}{}
	return false
}
