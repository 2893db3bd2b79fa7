package journey

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/channel"
	"github.com/trustioagency/IQsion-sub000/internal/models"
)

// ActionConversion is the single step of a journey with no touchpoints.
const ActionConversion = "conversion"

// Canonical maps a journey to (channel, action) steps with consecutive
// repeats collapsed. A journey without touchpoints is a single direct step.
func Canonical(j models.Journey) []models.PathStep {
	if len(j.Touchpoints) == 0 {
		return []models.PathStep{{Channel: string(channel.Direct), Action: ActionConversion}}
	}
	steps := make([]models.PathStep, 0, len(j.Touchpoints))
	for _, tp := range j.Touchpoints {
		st := models.PathStep{Channel: string(channel.Normalize(tp.Channel)), Action: action(tp.Type)}
		if n := len(steps); n > 0 && steps[n-1] == st {
			continue
		}
		steps = append(steps, st)
	}
	return steps
}

func action(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "touch"
	}
	return t
}

type group struct {
	steps    []models.PathStep
	count    int
	sumUnix  int64
	sumValue float64
	last     time.Time
}

// PatternSet counts canonical paths. Sets built over disjoint journeys can
// be merged.
type PatternSet struct {
	groups map[string]*group
	total  int
}

func NewPatternSet() *PatternSet {
	return &PatternSet{groups: make(map[string]*group)}
}

func (p *PatternSet) Add(j models.Journey) {
	steps := Canonical(j)
	k := models.JourneyPattern{Steps: steps}.Key()
	g, ok := p.groups[k]
	if !ok {
		g = &group{steps: steps}
		p.groups[k] = g
	}
	ts := j.Conversion.Timestamp
	g.count++
	g.sumUnix += ts.Unix()
	g.sumValue += j.Conversion.Revenue()
	if ts.After(g.last) {
		g.last = ts
	}
	p.total++
}

func (p *PatternSet) Merge(o *PatternSet) {
	for k, og := range o.groups {
		g, ok := p.groups[k]
		if !ok {
			g = &group{steps: og.steps}
			p.groups[k] = g
		}
		g.count += og.count
		g.sumUnix += og.sumUnix
		g.sumValue += og.sumValue
		if og.last.After(g.last) {
			g.last = og.last
		}
	}
	p.total += o.total
}

// Total is the number of journeys added.
func (p *PatternSet) Total() int { return p.total }

// Top returns the n most frequent paths. Ties go to the path with the most
// recent average conversion time, then to the lexically smaller path.
func (p *PatternSet) Top(n int) []models.JourneyPattern {
	type ranked struct {
		key string
		g   *group
		avg float64
	}
	rs := make([]ranked, 0, len(p.groups))
	for k, g := range p.groups {
		rs = append(rs, ranked{key: k, g: g, avg: float64(g.sumUnix) / float64(g.count)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].g.count != rs[j].g.count {
			return rs[i].g.count > rs[j].g.count
		}
		if rs[i].avg != rs[j].avg {
			return rs[i].avg > rs[j].avg
		}
		return rs[i].key < rs[j].key
	})
	if n > 0 && n < len(rs) {
		rs = rs[:n]
	}
	out := make([]models.JourneyPattern, 0, len(rs))
	for _, r := range rs {
		out = append(out, models.JourneyPattern{
			Steps:           append([]models.PathStep(nil), r.g.steps...),
			OccurrenceShare: round2(float64(r.g.count) / float64(p.total) * 100),
			SampleSize:      r.g.count,
			AvgValue:        round2(r.g.sumValue / float64(r.g.count)),
			LastSeen:        r.g.last,
		})
	}
	return out
}

// Summarize returns the topN canonical paths across journeys.
func Summarize(journeys []models.Journey, topN int) []models.JourneyPattern {
	p := NewPatternSet()
	for _, j := range journeys {
		p.Add(j)
	}
	return p.Top(topN)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
