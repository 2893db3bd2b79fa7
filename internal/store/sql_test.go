package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore(t *testing.T) {
	s := openSQLite(t)
	seed(t, s)
	t.Run("touchpoints", func(t *testing.T) { testFetchTouchpoints(t, s) })
	t.Run("conversions", func(t *testing.T) { testFetchConversions(t, s) })
	t.Run("seen", func(t *testing.T) { testMarkSeen(t, s) })
}

func TestSQLStoreEmptyIdentitySet(t *testing.T) {
	s := openSQLite(t)
	seed(t, s)
	cur, err := s.FetchTouchpoints(context.Background(), []string{}, day0, at(100))
	require.NoError(t, err)
	tps, err := Collect(cur)
	require.NoError(t, err)
	assert.Empty(t, tps)
}

func TestSQLStoreMigrateIsRepeatable(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM conversions").WillReturnError(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	mock.ExpectQuery("FROM touchpoints").WillReturnError(errors.New("server closed the connection unexpectedly"))

	s := NewSQLStore(db, DialectSQLite)
	_, err = s.FetchConversions(context.Background(), day0, at(24), models.KPIRevenue)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.FetchTouchpoints(context.Background(), []string{"a"}, day0, at(24))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLStoreContextErrorsPassThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("FROM conversions").WillReturnError(context.DeadlineExceeded)

	s := NewSQLStore(db, DialectSQLite)
	_, err = s.FetchConversions(context.Background(), day0, at(24), models.KPITraffic)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestRebindPostgres(t *testing.T) {
	s := NewSQLStore(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", s.rebind("a = ? AND b IN ("+placeholders(2)+")"))
	lite := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenByDriver(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	lite, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer lite.Close()
	assert.IsType(t, &SQLStore{}, lite)

	_, err = Open(ctx, "mysql", "")
	assert.ErrorContains(t, err, "unknown store driver")
}
