package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a Postgres-backed Store for managed, multi-process
// deployments. Grounded on vanducng-goclaw/internal/store/pg's database/sql
// usage, but registered through pgx/v5's stdlib driver rather than lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &sqlStore{db: db, driver: "postgres"}, nil
}
