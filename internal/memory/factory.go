package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: postgres:// and
// postgresql:// use PostgreSQL, sqlite:// or file: use SQLite, empty keeps
// everything in process.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "file:"))
	default:
		return NewPostgresStore(ctx, dsn)
	}
}
