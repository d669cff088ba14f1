package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if necessary) an embedded pure-Go sqlite
// database at path, enabling WAL mode and foreign key enforcement (§4.1).
// The pool holds a single connection, so within one process reads do not
// run concurrently with each other or with writes.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single connection avoids writer contention under WAL

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply %s: %w", pragma, err)
		}
	}

	return &sqlStore{db: db, driver: "sqlite"}, nil
}
