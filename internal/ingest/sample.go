package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

type SampleOptions struct {
	Identities int
	Days       int
	End        time.Time
	Seed       int64
}

// raw strings as collectors report them; normalization happens at query time
var sampleChannels = []struct {
	raw   string
	types []string
	cost  float64
}{
	{"Google Ads", []string{models.TypeClick, models.TypeImpression}, 1.2},
	{"adwords", []string{models.TypeClick}, 0.9},
	{"Meta Ads", []string{models.TypeImpression, models.TypeClick}, 0.6},
	{"Instagram_Ads", []string{models.TypeImpression}, 0.4},
	{"TikTok Ads", []string{models.TypeImpression, models.TypeClick}, 0.5},
	{"klaviyo", []string{models.TypeEmailOpen, models.TypeClick}, 0},
	{"organic search", []string{models.TypeVisit}, 0},
	{"website", []string{models.TypeVisit}, 0},
}

// GenerateSample writes a deterministic synthetic dataset: for each
// identity a few touchpoints and, for most of them, a conversion after the
// last touch. The same options always produce the same data.
func GenerateSample(ctx context.Context, w store.Writer, o SampleOptions) (Stats, error) {
	if o.Identities <= 0 {
		o.Identities = 50
	}
	if o.Days <= 0 {
		o.Days = 30
	}
	if o.End.IsZero() {
		o.End = time.Now()
	}
	end := dayUTC(o.End).Add(24*time.Hour - time.Second)
	start := end.AddDate(0, 0, -o.Days)
	span := end.Sub(start)
	rng := rand.New(rand.NewSource(o.Seed))

	var tps []models.Touchpoint
	var cvs []models.Conversion
	for i := 0; i < o.Identities; i++ {
		id := fmt.Sprintf("user-%04d@sample.test", i)
		convAt := start.Add(time.Duration(rng.Int63n(int64(span))))
		n := rng.Intn(5) // 0 touches is a direct conversion
		at := convAt
		for k := 0; k < n; k++ {
			at = at.Add(-time.Duration(1+rng.Intn(72)) * time.Hour)
			ch := sampleChannels[rng.Intn(len(sampleChannels))]
			tp := models.Touchpoint{
				IdentityKey: id,
				Channel:     ch.raw,
				Timestamp:   at.Truncate(time.Second),
				Type:        ch.types[rng.Intn(len(ch.types))],
				CampaignID:  fmt.Sprintf("C-%d", 1000+rng.Intn(5)),
			}
			if ch.cost > 0 {
				c := round2(ch.cost * (0.5 + rng.Float64()))
				tp.Cost = &c
			}
			tps = append(tps, tp)
		}
		if rng.Intn(10) == 0 {
			continue // journey sin conversión
		}
		cv := models.Conversion{
			IdentityKey: id,
			Timestamp:   convAt.Truncate(time.Second),
			OrderID:     fmt.Sprintf("ORD-%05d", i),
		}
		// one in eight conversions is a signup with no value
		if rng.Intn(8) != 0 {
			cv.Value = round2(20 + rng.Float64()*180)
			cv.KPIDimensions.Revenue = cv.Value
			if rng.Intn(2) == 0 {
				p := round2(cv.Value * (0.2 + rng.Float64()*0.3))
				cv.KPIDimensions.Profit = &p
			}
		}
		if rng.Intn(3) != 0 {
			s := 1 + rng.Intn(4)
			cv.KPIDimensions.SessionCount = &s
		}
		cvs = append(cvs, cv)
	}

	if err := w.AppendTouchpoints(ctx, tps); err != nil {
		return Stats{}, err
	}
	if err := w.AppendConversions(ctx, cvs); err != nil {
		return Stats{}, err
	}
	return Stats{Touchpoints: len(tps), Conversions: len(cvs)}, nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
