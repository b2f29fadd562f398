// Package buildsqlite implements build.Database on SQLite.
//
// The database is opened with a single connection, so transactions
// are serialized within the process. It is meant for development
// and single-instance deployments.
package buildsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/k11v/buildmanager/internal/build"
)

var _ build.Database = (*Database)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Database struct {
	sqlDB *sql.DB // nil inside a transaction
	db    querier // required
}

// Open opens the SQLite database at path and creates the schema.
// Use ":memory:" for an in-memory database.
func Open(ctx context.Context, path string) (*Database, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	d := &Database{sqlDB: sqlDB, db: sqlDB}
	if err = d.initialize(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return d, nil
}

func (d *Database) Close() error {
	if d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS build_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		build_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		dispatched_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_build_events_pending ON build_events(created_at) WHERE dispatched_at IS NULL;
	`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// Begin implements build.Database.
func (d *Database) Begin(ctx context.Context) (build.DatabaseTx, error) {
	if d.sqlDB == nil {
		return nil, errors.New("begin: nested transactions aren't supported")
	}
	sqlTx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &DatabaseTx{Database: &Database{db: sqlTx}, tx: sqlTx}, nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, resource_id, status, phase, error, created_at, updated_at FROM builds WHERE id = ?",
		params.ID,
	)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

// GetBuildForUpdate implements build.Database.
// SQLite has no row locks; the single connection serializes transactions instead.
func (d *Database) GetBuildForUpdate(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	return d.GetBuild(ctx, params)
}

// CreateBuild implements build.Database.
func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	b := params.Build
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO builds (id, resource_id, status, phase, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		b.ID, b.ResourceID, string(b.Status), string(b.Phase), b.Error, b.CreatedAt.UnixMicro(), b.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, build.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create build: %w", err)
	}
	return d.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: b.ID})
}

// UpdateBuild implements build.Database.
func (d *Database) UpdateBuild(ctx context.Context, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	b := params.Build
	result, err := d.db.ExecContext(ctx,
		"UPDATE builds SET status = ?, phase = ?, error = ?, updated_at = ? WHERE id = ? AND status = ? AND phase = ?",
		string(b.Status), string(b.Phase), b.Error, b.UpdatedAt.UnixMicro(),
		params.ID, string(params.FromStatus), string(params.FromPhase),
	)
	if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}
	if n == 0 {
		return nil, build.ErrConflict
	}
	return d.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: params.ID})
}

// CreateEvent implements build.Database.
func (d *Database) CreateEvent(ctx context.Context, params *build.DatabaseCreateEventParams) error {
	e := params.Event
	var dispatchedAt *int64
	if e.DispatchedAt != nil {
		at := e.DispatchedAt.UnixMicro()
		dispatchedAt = &at
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO build_events (id, kind, build_id, resource_id, status, error, created_at, dispatched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID.String(), string(e.Kind), e.BuildID, e.ResourceID, string(e.Status), e.Error, e.CreatedAt.UnixMicro(), dispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// ListPendingEvents implements build.Database.
func (d *Database) ListPendingEvents(ctx context.Context, params *build.DatabaseListPendingEventsParams) ([]*build.Event, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, kind, build_id, resource_id, status, error, created_at, dispatched_at FROM build_events WHERE dispatched_at IS NULL AND created_at < ? ORDER BY created_at, id LIMIT ?",
		params.CreatedBefore.UnixMicro(), params.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []*build.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending events: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return events, nil
}

// MarkEventDispatched implements build.Database.
func (d *Database) MarkEventDispatched(ctx context.Context, params *build.DatabaseMarkEventDispatchedParams) error {
	result, err := d.db.ExecContext(ctx,
		"UPDATE build_events SET dispatched_at = coalesce(dispatched_at, ?) WHERE id = ?",
		params.DispatchedAt.UnixMicro(), params.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	if n == 0 {
		return build.ErrNotFound
	}
	return nil
}

var _ build.DatabaseTx = (*DatabaseTx)(nil)

type DatabaseTx struct {
	*Database
	tx *sql.Tx
}

func (tx *DatabaseTx) Commit(ctx context.Context) error {
	err := tx.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		return build.ErrTxAlreadyClosed
	}
	return err
}

func (tx *DatabaseTx) Rollback(ctx context.Context) error {
	err := tx.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return build.ErrTxAlreadyClosed
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(s scanner) (*build.Build, error) {
	var (
		b                    build.Build
		status, phase        string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&b.ID, &b.ResourceID, &status, &phase, &b.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.Status, _ = build.StatusFromString(status)
	b.Phase, _ = build.PhaseFromString(phase)
	b.CreatedAt = time.UnixMicro(createdAt).UTC()
	b.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &b, nil
}

func scanEvent(s scanner) (*build.Event, error) {
	var (
		e                build.Event
		id, kind, status string
		createdAt        int64
		dispatchedAt     sql.NullInt64
	)
	if err := s.Scan(&id, &kind, &e.BuildID, &e.ResourceID, &status, &e.Error, &createdAt, &dispatchedAt); err != nil {
		return nil, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	e.ID = parsedID
	e.Kind = build.EventKind(kind)
	e.Status, _ = build.StatusFromString(status)
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	if dispatchedAt.Valid {
		at := time.UnixMicro(dispatchedAt.Int64).UTC()
		e.DispatchedAt = &at
	}
	return &e, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
