package attribution

import (
	"math"
	"sort"

	"github.com/trustioagency/IQsion-sub000/internal/channel"
	"github.com/trustioagency/IQsion-sub000/internal/models"
)

// KPIValue returns the amount a conversion contributes under kpi, and
// whether that amount had to be estimated. Profit without a profit
// dimension is revenue times the configured margin, and a loss counts as
// zero; traffic without a session count is one session.
func KPIValue(c models.Conversion, kpi models.KPI, margin float64) (float64, bool) {
	switch kpi {
	case models.KPIProfit:
		if p := c.KPIDimensions.Profit; p != nil {
			return max(*p, 0), false
		}
		return c.Revenue() * margin, true
	case models.KPITraffic:
		if s := c.KPIDimensions.SessionCount; s != nil {
			return float64(*s), false
		}
		return 1, true
	}
	return c.Revenue(), false
}

// Credit returns the credited KPI amount per touchpoint, in whole cents,
// summing exactly to the journey's rounded KPI value.
func Credit(j models.Journey, m Model, kpi models.KPI, opts Options) []float64 {
	v, _ := KPIValue(j.Conversion, kpi, opts.ProfitMargin)
	parts := split(v, Allocate(j, m, opts))
	out := make([]float64, len(parts))
	for i, p := range parts {
		out[i] = dollars(p)
	}
	return out
}

// credit is kept in cents so merging shards in any order gives the same sums.
type row struct {
	credited int64
	revenue  int64
	spend    float64
	orders   int
	touches  int
}

// Accumulator sums credit per normalized channel. Accumulators fed with
// journeys of disjoint identity sets can be merged.
type Accumulator struct {
	model Model
	kpi   models.KPI
	opts  Options

	rows         map[channel.Channel]*row
	total        int64
	conversions  int
	approximated int
	counted      map[int64]struct{} // touchpoint seqs already counted for spend/touches
}

func NewAccumulator(m Model, kpi models.KPI, opts Options) *Accumulator {
	return &Accumulator{
		model:   m,
		kpi:     kpi,
		opts:    opts,
		rows:    make(map[channel.Channel]*row, len(channel.All)),
		counted: make(map[int64]struct{}),
	}
}

func (a *Accumulator) row(c channel.Channel) *row {
	r, ok := a.rows[c]
	if !ok {
		r = &row{}
		a.rows[c] = r
	}
	return r
}

// Add attributes j and returns the total credited to its channels.
func (a *Accumulator) Add(j models.Journey) float64 {
	value, approx := KPIValue(j.Conversion, a.kpi, a.opts.ProfitMargin)
	revenue := j.Conversion.Revenue()
	a.conversions++
	if approx {
		a.approximated++
	}

	if len(j.Touchpoints) == 0 {
		r := a.row(channel.Direct)
		r.credited += cents(value)
		r.revenue += cents(revenue)
		r.orders++
		a.total += cents(value)
		return dollars(cents(value))
	}

	weights := Allocate(j, a.model, a.opts)
	credits := split(value, weights)
	revCredits := split(revenue, weights)
	credited := make(map[channel.Channel]struct{}, 4)
	for i, tp := range j.Touchpoints {
		ch := channel.Normalize(tp.Channel)
		r := a.row(ch)
		r.credited += credits[i]
		r.revenue += revCredits[i]
		if weights[i] > 0 {
			credited[ch] = struct{}{}
		}
		if a.firstCount(tp) {
			r.touches++
			if tp.Cost != nil {
				r.spend += *tp.Cost
			}
		}
	}
	for ch := range credited {
		a.rows[ch].orders++
	}
	a.total += cents(value)
	return dollars(cents(value))
}

// firstCount reports whether tp has not been counted yet. Touchpoints
// without a store sequence are always counted.
func (a *Accumulator) firstCount(tp models.Touchpoint) bool {
	if tp.Seq == 0 {
		return true
	}
	if _, ok := a.counted[tp.Seq]; ok {
		return false
	}
	a.counted[tp.Seq] = struct{}{}
	return true
}

// Merge folds o into a. Both must share model and KPI.
func (a *Accumulator) Merge(o *Accumulator) {
	for ch, or := range o.rows {
		r := a.row(ch)
		r.credited += or.credited
		r.revenue += or.revenue
		r.spend += or.spend
		r.orders += or.orders
		r.touches += or.touches
	}
	for seq := range o.counted {
		a.counted[seq] = struct{}{}
	}
	a.total += o.total
	a.conversions += o.conversions
	a.approximated += o.approximated
}

// Total is the sum of KPI values over all journeys added.
func (a *Accumulator) Total() float64 { return dollars(a.total) }

func (a *Accumulator) Conversions() int { return a.conversions }

// Approximated counts conversions whose KPI value was estimated.
func (a *Accumulator) Approximated() int { return a.approximated }

// Results returns one row per credited channel, highest credit first and
// alphabetical on ties.
func (a *Accumulator) Results() []models.AttributionResult {
	var total int64
	for _, r := range a.rows {
		total += r.credited
	}
	out := make([]models.AttributionResult, 0, len(a.rows))
	for ch, r := range a.rows {
		res := models.AttributionResult{
			Channel:       string(ch),
			CreditedValue: dollars(r.credited),
			KPI:           a.kpi,
			Revenue:       dollars(r.revenue),
			Orders:        r.orders,
			Touches:       r.touches,
			Spend:         round2(r.spend),
		}
		if total > 0 {
			res.Share = round2(float64(r.credited) / float64(total) * 100)
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreditedValue != out[j].CreditedValue {
			return out[i].CreditedValue > out[j].CreditedValue
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Aggregate attributes every journey under m and returns per-channel results.
func Aggregate(journeys []models.Journey, m Model, kpi models.KPI, opts Options) []models.AttributionResult {
	a := NewAccumulator(m, kpi, opts)
	for _, j := range journeys {
		a.Add(j)
	}
	return a.Results()
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
