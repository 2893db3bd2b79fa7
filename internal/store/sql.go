package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schemas = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS touchpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			identity_key TEXT NOT NULL,
			channel TEXT NOT NULL,
			tp_type TEXT NOT NULL,
			ts_us INTEGER NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			cost REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_touchpoints_identity_ts ON touchpoints (identity_key, ts_us, seq)`,
		`CREATE TABLE IF NOT EXISTS conversions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity_key TEXT NOT NULL,
			ts_us INTEGER NOT NULL,
			value REAL NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			revenue REAL NOT NULL DEFAULT 0,
			profit REAL,
			session_count INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_ts ON conversions (ts_us)`,
		`CREATE TABLE IF NOT EXISTS seen_keys (key TEXT PRIMARY KEY)`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS touchpoints (
			seq BIGSERIAL PRIMARY KEY,
			identity_key TEXT NOT NULL,
			channel TEXT NOT NULL,
			tp_type TEXT NOT NULL,
			ts_us BIGINT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			cost DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_touchpoints_identity_ts ON touchpoints (identity_key, ts_us, seq)`,
		`CREATE TABLE IF NOT EXISTS conversions (
			id BIGSERIAL PRIMARY KEY,
			identity_key TEXT NOT NULL,
			ts_us BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			revenue DOUBLE PRECISION NOT NULL DEFAULT 0,
			profit DOUBLE PRECISION,
			session_count INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_ts ON conversions (ts_us)`,
		`CREATE TABLE IF NOT EXISTS seen_keys (key TEXT PRIMARY KEY)`,
	},
}

// SQLStore reads and appends attribution facts through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens the database for driver ("sqlite" or "postgres"), checks
// connectivity and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d := Dialect(driver)
	if _, ok := schemas[d]; !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable(err)
	}
	s := NewSQLStore(db, d)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened handle. The schema is not touched.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", unavailable(err))
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) FetchTouchpoints(ctx context.Context, identityKeys []string, start, end time.Time) (Cursor[models.Touchpoint], error) {
	q := `SELECT seq, identity_key, channel, tp_type, ts_us, campaign_id, cost
		FROM touchpoints WHERE ts_us >= ? AND ts_us <= ?`
	args := []any{start.UnixMicro(), end.UnixMicro()}
	if identityKeys != nil {
		if len(identityKeys) == 0 {
			return newSliceCursor[models.Touchpoint](ctx, nil), nil
		}
		q += ` AND identity_key IN (` + placeholders(len(identityKeys)) + `)`
		for _, k := range identityKeys {
			args = append(args, k)
		}
	}
	q += ` ORDER BY identity_key, ts_us, seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	return &rowsCursor[models.Touchpoint]{rows: rows, scan: scanTouchpoint}, nil
}

func (s *SQLStore) FetchConversions(ctx context.Context, start, end time.Time, kpi models.KPI) (Cursor[models.Conversion], error) {
	q := `SELECT identity_key, ts_us, value, order_id, revenue, profit, session_count
		FROM conversions WHERE ts_us >= ? AND ts_us <= ?`
	if kpi != models.KPITraffic {
		q += ` AND (value > 0 OR revenue > 0)`
	}
	q += ` ORDER BY ts_us, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), start.UnixMicro(), end.UnixMicro())
	if err != nil {
		return nil, unavailable(err)
	}
	return &rowsCursor[models.Conversion]{rows: rows, scan: scanConversion}, nil
}

func (s *SQLStore) AppendTouchpoints(ctx context.Context, tps []models.Touchpoint) error {
	return s.inTx(ctx, `INSERT INTO touchpoints (identity_key, channel, tp_type, ts_us, campaign_id, cost)
		VALUES (?, ?, ?, ?, ?, ?)`, len(tps), func(i int) []any {
		tp := tps[i]
		return []any{tp.IdentityKey, tp.Channel, tp.Type, tp.Timestamp.UnixMicro(), tp.CampaignID, nullFloat(tp.Cost)}
	})
}

func (s *SQLStore) AppendConversions(ctx context.Context, cvs []models.Conversion) error {
	return s.inTx(ctx, `INSERT INTO conversions (identity_key, ts_us, value, order_id, revenue, profit, session_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, len(cvs), func(i int) []any {
		c := cvs[i]
		return []any{c.IdentityKey, c.Timestamp.UnixMicro(), c.Value, c.OrderID, c.KPIDimensions.Revenue,
			nullFloat(c.KPIDimensions.Profit), nullInt(c.KPIDimensions.SessionCount)}
	})
}

func (s *SQLStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO seen_keys (key) VALUES (?) ON CONFLICT DO NOTHING`), key)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *SQLStore) inTx(ctx context.Context, stmt string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()
	ps, err := tx.PrepareContext(ctx, s.rebind(stmt))
	if err != nil {
		return unavailable(err)
	}
	defer ps.Close()
	for i := 0; i < n; i++ {
		if _, err := ps.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("insert row %d: %w", i, unavailable(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// rebind turns "?" placeholders into "$n" for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowsCursor[T any] struct {
	rows *sql.Rows
	scan func(*sql.Rows) (T, error)
	cur  T
	err  error
}

func (c *rowsCursor[T]) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	v, err := c.scan(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = v
	return true
}

func (c *rowsCursor[T]) Value() T { return c.cur }

func (c *rowsCursor[T]) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *rowsCursor[T]) Close() error { return c.rows.Close() }

func scanTouchpoint(r *sql.Rows) (models.Touchpoint, error) {
	var (
		tp   models.Touchpoint
		ts   int64
		cost sql.NullFloat64
	)
	if err := r.Scan(&tp.Seq, &tp.IdentityKey, &tp.Channel, &tp.Type, &ts, &tp.CampaignID, &cost); err != nil {
		return tp, fmt.Errorf("scan touchpoint: %w", err)
	}
	tp.Timestamp = time.UnixMicro(ts).UTC()
	if cost.Valid {
		v := cost.Float64
		tp.Cost = &v
	}
	return tp, nil
}

func scanConversion(r *sql.Rows) (models.Conversion, error) {
	var (
		c        models.Conversion
		ts       int64
		profit   sql.NullFloat64
		sessions sql.NullInt64
	)
	if err := r.Scan(&c.IdentityKey, &ts, &c.Value, &c.OrderID, &c.KPIDimensions.Revenue, &profit, &sessions); err != nil {
		return c, fmt.Errorf("scan conversion: %w", err)
	}
	c.Timestamp = time.UnixMicro(ts).UTC()
	if profit.Valid {
		v := profit.Float64
		c.KPIDimensions.Profit = &v
	}
	if sessions.Valid {
		v := int(sessions.Int64)
		c.KPIDimensions.SessionCount = &v
	}
	return c, nil
}

// unavailable wraps driver errors as ErrUnavailable; context errors pass through.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
