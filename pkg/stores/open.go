package stores

import (
	"context"
	"fmt"
	"strings"
)

// Open creates, initializes and migrates the journal named by spec:
//
//	sqlite:<path>          SQLite file (or :memory:)
//	postgres:<dsn>         Postgres keyword/value or URL DSN
//	postgres://...         Postgres URL
//
// A spec without a scheme is a SQLite path.
func Open(ctx context.Context, spec string) (Journal, error) {
	journal, err := newJournal(spec)
	if err != nil {
		return nil, err
	}

	if err := journal.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return journal, nil
}

func newJournal(spec string) (Journal, error) {
	switch {
	case spec == "":
		return nil, fmt.Errorf("journal spec is empty")
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return NewPostgresStore(PostgresConfig{DSN: spec})
	case strings.HasPrefix(spec, "postgres:"):
		return NewPostgresStore(PostgresConfig{DSN: strings.TrimPrefix(spec, "postgres:")})
	case strings.HasPrefix(spec, "sqlite:"):
		return NewSQLiteStore(Config{Path: strings.TrimPrefix(spec, "sqlite:")})
	default:
		return NewSQLiteStore(Config{Path: spec})
	}
}
