package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open picks a backend from the DSN scheme: postgres:// or memory://.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database scheme: %q", parsed.Scheme)
	}
}

// IsPostgres reports whether dsn targets PostgreSQL (and so needs migrations).
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}
