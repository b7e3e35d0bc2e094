package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	ModeDisabled = "disabled"
	ModeInMemory = "in-memory"
	ModePostgres = "postgres"
)

// NewStore opens the Postgres archive when databaseURL is set and falls back
// to a bounded in-process archive otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Mode names the backend behind s for health output.
func Mode(s Store) string {
	switch s.(type) {
	case nil:
		return ModeDisabled
	case *PostgresStore:
		return ModePostgres
	default:
		return ModeInMemory
	}
}

func newID() string { return uuid.NewString() }
