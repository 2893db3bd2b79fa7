package journey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustioagency/IQsion-sub000/internal/models"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func day(n int) time.Time { return t0.AddDate(0, 0, n) }

func tp(id, ch, typ string, at time.Time) models.Touchpoint {
	return models.Touchpoint{IdentityKey: id, Channel: ch, Type: typ, Timestamp: at}
}

// cursorOf loads tps into a memory store and returns its ordered cursor.
func cursorOf(t *testing.T, tps ...models.Touchpoint) store.Cursor[models.Touchpoint] {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.AppendTouchpoints(context.Background(), tps))
	cur, err := st.FetchTouchpoints(context.Background(), nil, day(-365), day(365))
	require.NoError(t, err)
	t.Cleanup(func() { cur.Close() })
	return cur
}

func channels(j models.Journey) []string {
	out := make([]string, len(j.Touchpoints))
	for i, tp := range j.Touchpoints {
		out[i] = tp.Channel
	}
	return out
}

func TestBuildWindowAndOrder(t *testing.T) {
	cur := cursorOf(t,
		tp("u1", "google", models.TypeClick, day(-40)), // outside a 30d window
		tp("u1", "meta", models.TypeImpression, day(-10)),
		tp("u1", "email", models.TypeEmailOpen, day(-2)),
		tp("u1", "website", models.TypeVisit, day(1)), // after the conversion
	)
	conv := models.Conversion{IdentityKey: "u1", Timestamp: t0, Value: 100}

	js, err := Build([]models.Conversion{conv}, cur, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.Equal(t, []string{"meta", "email"}, channels(js[0]))
	assert.Equal(t, conv, js[0].Conversion)
}

func TestBuildEmptyJourney(t *testing.T) {
	cur := cursorOf(t, tp("other", "google", models.TypeClick, day(-1)))
	js, err := Build([]models.Conversion{{IdentityKey: "lonely", Timestamp: t0, Value: 50}}, cur, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.Empty(t, js[0].Touchpoints)
}

func TestBuildMultipleConversionsShareTouchpoints(t *testing.T) {
	cur := cursorOf(t,
		tp("u1", "google", models.TypeClick, day(-5)),
		tp("u1", "meta", models.TypeClick, day(-1)),
	)
	convs := []models.Conversion{
		{IdentityKey: "u1", Timestamp: day(-3), Value: 10},
		{IdentityKey: "u1", Timestamp: t0, Value: 20},
	}
	js, err := Build(convs, cur, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, js, 2)
	assert.Equal(t, []string{"google"}, channels(js[0]))
	assert.Equal(t, []string{"google", "meta"}, channels(js[1]), "earlier touchpoint counts toward both")
}

func TestBuildTiesKeepIngestionOrder(t *testing.T) {
	at := day(-1)
	cur := cursorOf(t,
		tp("u1", "tiktok", models.TypeImpression, at),
		tp("u1", "google", models.TypeClick, at),
		tp("u1", "email", models.TypeEmailOpen, at),
	)
	js, err := Build([]models.Conversion{{IdentityKey: "u1", Timestamp: t0, Value: 1}}, cur, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiktok", "google", "email"}, channels(js[0]))
}

func TestBuildCollapsesDoubleFiredEvents(t *testing.T) {
	at := day(-1)
	cur := cursorOf(t,
		tp("u1", "meta ads", models.TypeImpression, at),
		tp("u1", "google", models.TypeClick, at),
		tp("u1", "Instagram_Ads", models.TypeImpression, at), // same normalized channel, type and instant
		tp("u1", "meta", models.TypeClick, at),               // different type, kept
	)
	js, err := Build([]models.Conversion{{IdentityKey: "u1", Timestamp: t0, Value: 1}}, cur, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"meta ads", "google", "meta"}, channels(js[0]))
}

type fixedCursor struct {
	rows []models.Touchpoint
	i    int
}

func (c *fixedCursor) Next() bool               { c.i++; return c.i <= len(c.rows) }
func (c *fixedCursor) Value() models.Touchpoint { return c.rows[c.i-1] }
func (c *fixedCursor) Err() error               { return nil }
func (c *fixedCursor) Close() error             { return nil }

func TestBuildRejectsUnorderedInput(t *testing.T) {
	convs := []models.Conversion{{IdentityKey: "u1", Timestamp: t0}}

	backwards := &fixedCursor{rows: []models.Touchpoint{
		tp("u1", "google", models.TypeClick, day(-1)),
		tp("u1", "meta", models.TypeClick, day(-2)),
	}}
	_, err := Build(convs, backwards, 30*24*time.Hour)
	assert.ErrorIs(t, err, ErrUnordered)

	split := &fixedCursor{rows: []models.Touchpoint{
		tp("u1", "google", models.TypeClick, day(-3)),
		tp("u2", "google", models.TypeClick, day(-3)),
		tp("u1", "meta", models.TypeClick, day(-2)),
	}}
	_, err = Build(convs, split, 30*24*time.Hour)
	assert.ErrorIs(t, err, ErrUnordered)
}
