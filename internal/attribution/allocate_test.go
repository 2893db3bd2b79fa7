package attribution

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

var conv0 = time.Date(2025, 1, 31, 18, 0, 0, 0, time.UTC)

// mkJourney builds a journey with touchpoints daysBefore[i] days before the
// conversion, cycling through channels.
func mkJourney(value float64, daysBefore ...float64) models.Journey {
	chs := []string{"google", "meta", "tiktok", "email", "website"}
	j := models.Journey{Conversion: models.Conversion{Timestamp: conv0, Value: value}}
	for i, d := range daysBefore {
		j.Touchpoints = append(j.Touchpoints, models.Touchpoint{
			Channel:   chs[i%len(chs)],
			Type:      models.TypeClick,
			Timestamp: conv0.Add(-time.Duration(d * 24 * float64(time.Hour))),
		})
	}
	return j
}

func sum(ws []float64) float64 {
	var s float64
	for _, w := range ws {
		s += w
	}
	return s
}

func TestWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 1; n <= 40; n++ {
		days := make([]float64, n)
		for i := range days {
			days[i] = float64(n-i) * rng.Float64() * 10
		}
		j := mkJourney(100, days...)
		for _, m := range Models {
			ws := Allocate(j, m, Options{})
			require.Len(t, ws, n)
			assert.InDelta(t, 1.0, sum(ws), 1e-9, "model=%s n=%d", m, n)
			for _, w := range ws {
				assert.True(t, w >= 0 && w <= 1, "model=%s weight=%v", m, w)
			}
		}
	}
}

func TestSingleTouchpointIsWholeCredit(t *testing.T) {
	j := mkJourney(80, 3)
	for _, m := range Models {
		assert.Equal(t, []float64{1}, Allocate(j, m, Options{}), string(m))
	}
}

func TestEmptyJourneyHasNoWeights(t *testing.T) {
	for _, m := range Models {
		assert.Empty(t, Allocate(mkJourney(10), m, Options{}))
	}
}

func TestModelRules(t *testing.T) {
	j := mkJourney(100, 9, 6, 3, 1)

	assert.Equal(t, []float64{1, 0, 0, 0}, Allocate(j, FirstTouch, Options{}))
	assert.Equal(t, []float64{0, 0, 0, 1}, Allocate(j, LastTouch, Options{}))
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, Allocate(j, Linear, Options{}))

	pb := Allocate(j, PositionBased, Options{})
	assert.InDelta(t, 0.4, pb[0], 1e-12)
	assert.InDelta(t, 0.1, pb[1], 1e-12)
	assert.InDelta(t, 0.1, pb[2], 1e-12)
	assert.InDelta(t, 0.4, pb[3], 1e-12)

	two := Allocate(mkJourney(100, 2, 1), PositionBased, Options{})
	assert.Equal(t, []float64{0.5, 0.5}, two)
}

func TestTimeDecayHalvesPerHalfLife(t *testing.T) {
	j := mkJourney(100, 14, 7, 0)
	ws := Allocate(j, TimeDecay, Options{HalfLife: 7 * 24 * time.Hour})
	// raw weights 1/4, 1/2, 1 -> normalized by 7/4
	assert.InDelta(t, 1.0/7, ws[0], 1e-12)
	assert.InDelta(t, 2.0/7, ws[1], 1e-12)
	assert.InDelta(t, 4.0/7, ws[2], 1e-12)

	// a shorter half life pushes more credit to the most recent touch
	short := Allocate(j, TimeDecay, Options{HalfLife: 24 * time.Hour})
	assert.Greater(t, short[2], ws[2])
}

func TestTimeDecayOldTouchpointsStayFinite(t *testing.T) {
	j := mkJourney(100, 60, 55, 50)
	ws := Allocate(j, TimeDecay, Options{HalfLife: time.Hour})
	require.Len(t, ws, 3)
	for _, w := range ws {
		assert.False(t, math.IsNaN(w) || math.IsInf(w, 0), "weight=%v", w)
		assert.True(t, w >= 0 && w <= 1, "weight=%v", w)
	}
	assert.InDelta(t, 1.0, sum(ws), 1e-9)
	assert.InDelta(t, 1.0, ws[2], 1e-9)

	credit := Credit(j, TimeDecay, models.KPIRevenue, Options{HalfLife: time.Hour})
	var total float64
	for _, c := range credit {
		assert.GreaterOrEqual(t, c, 0.0)
		total += c
	}
	assert.InDelta(t, 100.0, total, 1e-9)
}

func TestUnknownModelPanics(t *testing.T) {
	j := mkJourney(100, 3, 1)
	assert.Panics(t, func() { Allocate(j, Model("shapley"), Options{}) })
	assert.NotPanics(t, func() { Allocate(mkJourney(100, 1), Model("shapley"), Options{}) })
}

func TestParseModel(t *testing.T) {
	cases := map[string]Model{
		"first-touch":    FirstTouch,
		"LAST_TOUCH":     LastTouch,
		"linear":         Linear,
		"time decay":     TimeDecay,
		"u-shaped":       PositionBased,
		"position_based": PositionBased,
	}
	for in, want := range cases {
		got, err := ParseModel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseModel("shapley")
	assert.Error(t, err)
}

func TestSplitKeepsEveryCent(t *testing.T) {
	assert.Equal(t, []int64{3333, 3333, 3334}, split(100, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}))
	assert.Equal(t, []int64{100, 0, 0}, split(1, []float64{1, 0, 0}))
	assert.Equal(t, []int64{0, 0, 1}, split(0.01, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}))

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		v := math.Round(rng.Float64()*100000) / 100
		j := mkJourney(v, 5, 4, 3, 2, 1)
		parts := split(v, Allocate(j, TimeDecay, Options{}))
		var total int64
		for _, p := range parts {
			assert.GreaterOrEqual(t, p, int64(0))
			total += p
		}
		assert.Equal(t, cents(v), total)
	}
}
