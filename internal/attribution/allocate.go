// Package attribution distributes conversion credit across a journey's
// touchpoints and aggregates credit per normalized channel.
package attribution

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

type Model string

const (
	FirstTouch    Model = "first_touch"
	LastTouch     Model = "last_touch"
	Linear        Model = "linear"
	TimeDecay     Model = "time_decay"
	PositionBased Model = "position_based"
)

// Models lists every supported model.
var Models = []Model{FirstTouch, LastTouch, Linear, TimeDecay, PositionBased}

var modelAliases = map[string]Model{
	"first":          FirstTouch,
	"first_touch":    FirstTouch,
	"last":           LastTouch,
	"last_touch":     LastTouch,
	"linear":         Linear,
	"time_decay":     TimeDecay,
	"decay":          TimeDecay,
	"position":       PositionBased,
	"u_shaped":       PositionBased,
	"position_based": PositionBased,
}

func ParseModel(s string) (Model, error) {
	k := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	if m, ok := modelAliases[k]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown attribution model %q", s)
}

const DefaultHalfLife = 7 * 24 * time.Hour

type Options struct {
	HalfLife     time.Duration // time-decay half life, DefaultHalfLife when zero
	ProfitMargin float64       // used when a conversion has no profit dimension
}

func (o Options) halfLife() time.Duration {
	if o.HalfLife <= 0 {
		return DefaultHalfLife
	}
	return o.HalfLife
}

// Allocate returns one weight per touchpoint, summing to 1. A journey with
// a single touchpoint gets {1} under every model; an empty journey gets no
// weights. It panics on a model ParseModel would reject.
func Allocate(j models.Journey, m Model, opts Options) []float64 {
	n := len(j.Touchpoints)
	if n == 0 {
		return nil
	}
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	switch m {
	case FirstTouch:
		w[0] = 1
	case LastTouch:
		w[n-1] = 1
	case TimeDecay:
		half := opts.halfLife().Hours() / 24
		days := make([]float64, n)
		newest := math.Inf(1)
		for i, tp := range j.Touchpoints {
			days[i] = j.Conversion.Timestamp.Sub(tp.Timestamp).Hours() / 24
			newest = min(newest, days[i])
		}
		// relative to the newest touchpoint, so the largest raw weight is 1
		var sum float64
		for i := range w {
			w[i] = math.Exp2(-(days[i] - newest) / half)
			sum += w[i]
		}
		for i := range w {
			w[i] /= sum
		}
	case PositionBased:
		if n == 2 {
			w[0], w[1] = 0.5, 0.5
			break
		}
		w[0], w[n-1] = 0.4, 0.4
		mid := 0.2 / float64(n-2)
		for i := 1; i < n-1; i++ {
			w[i] = mid
		}
	case Linear:
		for i := range w {
			w[i] = 1 / float64(n)
		}
	default:
		panic(fmt.Sprintf("attribution: unknown model %q", m))
	}
	return w
}

// split divides value into per-weight amounts in whole cents. Each share is
// rounded down and the leftover cents go to the last weighted touchpoint,
// so the parts always add back up to the rounded value.
func split(value float64, weights []float64) []int64 {
	c := cents(value)
	parts := make([]int64, len(weights))
	var used int64
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		parts[i] = int64(math.Floor(float64(c)*w + 1e-6))
		used += parts[i]
		last = i
	}
	if last >= 0 {
		parts[last] += c - used
	}
	return parts
}

func cents(v float64) int64 { return int64(math.Round(v * 100)) }

func dollars(c int64) float64 { return float64(c) / 100 }
