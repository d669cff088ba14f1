// Package store is the durable persistence layer: a relational table set
// reached through a small execute/execute_insert/execute_many/execute_script
// contract, plus an optional vector sidecar. Adapted from
// vanducng-goclaw/internal/store (database/sql over a driver, in-process
// cache on top) generalized from the teacher's fixed Postgres/file backends
// to a driver-agnostic Store usable with either modernc.org/sqlite
// (standalone) or pgx/v5 (managed, multi-process).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned by repository Get methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Row is a single decoded result row as column name -> value.
type Row map[string]interface{}

// Store is the durable contract every repository in this package is built
// on top of. Writes serialize through a process-wide lock (single-writer
// semantics, §4.1); reads take no lock. On Postgres reads run concurrently;
// the sqlite backend pools a single connection, so its reads and writes run
// one at a time. Execute and ExecuteInsert run one statement each and
// ExecuteMany runs in one transaction, so each applies fully or not at all;
// ExecuteScript is not transactional.
type Store interface {
	// Execute runs a SELECT and returns decoded rows.
	Execute(ctx context.Context, query string, args ...interface{}) ([]Row, error)
	// ExecuteInsert runs an INSERT and returns the new row's id.
	ExecuteInsert(ctx context.Context, query string, args ...interface{}) (int64, error)
	// ExecuteMany runs query once per entry in argSets inside one transaction.
	ExecuteMany(ctx context.Context, query string, argSets [][]interface{}) error
	// ExecuteScript runs a multi-statement script (schema DDL, migrations)
	// one statement at a time, outside a transaction: a failing statement
	// leaves the earlier ones applied. Statements that would duplicate an
	// existing column are silently ignored (§4.1 failure semantics).
	ExecuteScript(ctx context.Context, script string) error
	// CreateVectorIndex provisions the optional vector sidecar for the
	// given embedding dimensionality. A no-op if this store already
	// provisioned one with matching dims; otherwise it calls the registered
	// opener for the new dims and keeps the result. NewVectorSidecar reuses
	// an existing collection rather than dropping it.
	// Returns ErrVectorUnsupported if the backend has no vector capability
	// — callers degrade to keyword search in that case.
	CreateVectorIndex(ctx context.Context, dims int) error
	// Driver identifies the concrete backend ("sqlite" or "postgres") so
	// callers can pick dialect-specific SQL (e.g. placeholder style).
	Driver() string
	Close() error
}

// ErrVectorUnsupported signals the backend has no vector index capability;
// callers must degrade to keyword search rather than fail the operation.
var ErrVectorUnsupported = errors.New("store: vector index not supported by this backend")

// sqlStore is the shared database/sql-backed implementation used by both
// the sqlite and postgres constructors; only placeholder rewriting and
// vector-index provisioning differ between drivers.
type sqlStore struct {
	db      *sql.DB
	driver  string
	writeMu sync.Mutex // process-wide write serialization, §4.1

	vecMu   sync.Mutex
	vecDims int
	vecOpen func(dims int) (*VectorSidecar, error)
	vecSide *VectorSidecar
}

// WithVectorOpener registers how CreateVectorIndex should open the vector
// sidecar for a requested dimensionality. Until called, CreateVectorIndex
// returns ErrVectorUnsupported and callers degrade to keyword search.
func WithVectorOpener(s Store, open func(dims int) (*VectorSidecar, error)) {
	if ss, ok := s.(*sqlStore); ok {
		ss.vecOpen = open
	}
}

// VectorSidecarOf returns the provisioned sidecar, if CreateVectorIndex has
// been called successfully, else nil.
func VectorSidecarOf(s Store) *VectorSidecar {
	if ss, ok := s.(*sqlStore); ok {
		ss.vecMu.Lock()
		defer ss.vecMu.Unlock()
		return ss.vecSide
	}
	return nil
}

func (s *sqlStore) Driver() string { return s.driver }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Execute(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	query = s.rewritePlaceholders(query)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: execute: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: execute: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: execute: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: execute: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ExecuteInsert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query = s.rewritePlaceholders(query)
	isInsert := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT")
	if s.driver == "postgres" && isInsert && !strings.Contains(strings.ToUpper(query), "RETURNING") {
		query = strings.TrimRight(query, "; \n\t") + " RETURNING id"
	}

	if s.driver == "postgres" && isInsert {
		var id int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("store: execute_insert: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: execute_insert: %w", err)
	}
	// UPDATE/DELETE statements (and sqlite INSERTs) have no RETURNING id;
	// LastInsertId is only meaningful for the INSERT case.
	id, err := res.LastInsertId()
	if err != nil || !isInsert {
		return 0, nil
	}
	return id, nil
}

func (s *sqlStore) ExecuteMany(ctx context.Context, query string, argSets [][]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query = s.rewritePlaceholders(query)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: execute_many: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("store: execute_many: prepare: %w", err)
	}
	defer stmt.Close()

	for _, args := range argSets {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store: execute_many: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ExecuteScript(ctx context.Context, script string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, stmt := range splitStatements(script) {
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			return fmt.Errorf("store: execute_script: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) CreateVectorIndex(ctx context.Context, dims int) error {
	if s.vecOpen == nil {
		return ErrVectorUnsupported
	}
	s.vecMu.Lock()
	defer s.vecMu.Unlock()

	if s.vecSide != nil && s.vecDims == dims {
		return nil // existing index with matching dimensions is a no-op, §4.1
	}
	side, err := s.vecOpen(dims)
	if err != nil {
		return fmt.Errorf("store: create vector index: %w", err)
	}
	s.vecSide = side
	s.vecDims = dims
	return nil
}

// rewritePlaceholders converts `?` placeholders to `$1, $2, ...` for
// postgres; sqlite accepts `?` natively.
func (s *sqlStore) rewritePlaceholders(query string) string {
	if s.driver != "postgres" || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func isDuplicateColumnError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
