package store

import (
	"context"
	"fmt"
)

// Backend is a Store that owns resources.
type Backend interface {
	Store
	Close() error
}

// Open returns the backend named by driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		s, err := OpenSQL(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
