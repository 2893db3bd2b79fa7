package store

import (
	"context"
	"errors"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/models"
)

// ErrUnavailable marks a transient failure reaching the backing store.
// Callers retry with backoff.
var ErrUnavailable = errors.New("store unavailable")

// Cursor is a lazy, forward-only sequence. Callers must Close it.
type Cursor[T any] interface {
	Next() bool
	Value() T
	Err() error
	Close() error
}

// Reader is the read side used by the attribution engine. Both fetches are
// inclusive of start and end. Touchpoints come back ordered by identity,
// then timestamp, then ingestion sequence.
type Reader interface {
	FetchTouchpoints(ctx context.Context, identityKeys []string, start, end time.Time) (Cursor[models.Touchpoint], error)
	FetchConversions(ctx context.Context, start, end time.Time, kpi models.KPI) (Cursor[models.Conversion], error)
}

// Writer is the append-only side used by ingestion and sample seeding.
type Writer interface {
	AppendTouchpoints(ctx context.Context, tps []models.Touchpoint) error
	AppendConversions(ctx context.Context, cvs []models.Conversion) error
}

// Deduper records ingestion keys so repeated pulls stay idempotent.
type Deduper interface {
	// MarkSeen records key and reports whether it was new.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

type Store interface {
	Reader
	Writer
	Deduper
}

// Collect drains a cursor into a slice and closes it.
func Collect[T any](c Cursor[T]) ([]T, error) {
	defer c.Close()
	var out []T
	for c.Next() {
		out = append(out, c.Value())
	}
	return out, c.Err()
}

type sliceCursor[T any] struct {
	ctx  context.Context
	rows []T
	i    int
	err  error
}

func newSliceCursor[T any](ctx context.Context, rows []T) *sliceCursor[T] {
	return &sliceCursor[T]{ctx: ctx, rows: rows, i: -1}
}

func (c *sliceCursor[T]) Next() bool {
	if c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	c.i++
	return c.i < len(c.rows)
}

func (c *sliceCursor[T]) Value() T     { return c.rows[c.i] }
func (c *sliceCursor[T]) Err() error   { return c.err }
func (c *sliceCursor[T]) Close() error { return nil }
