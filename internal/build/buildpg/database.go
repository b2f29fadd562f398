// Package buildpg implements build.Database on PostgreSQL.
package buildpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/buildmanager/internal/build"
)

var _ build.Database = (*Database)(nil)

// Querier is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// Begin implements build.Database.
func (d *Database) Begin(ctx context.Context) (build.DatabaseTx, error) {
	pgxTx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return newDatabaseTx(pgxTx), nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	query := `
		SELECT id, resource_id, status, phase, error, created_at, updated_at
		FROM builds
		WHERE id = $1
	`
	args := []any{params.ID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return b, nil
}

// GetBuildForUpdate implements build.Database.
// The row stays locked until the surrounding transaction ends.
func (d *Database) GetBuildForUpdate(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	query := `
		SELECT id, resource_id, status, phase, error, created_at, updated_at
		FROM builds
		WHERE id = $1
		FOR UPDATE
	`
	args := []any{params.ID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build for update: %w", err)
	}

	return b, nil
}

// CreateBuild implements build.Database.
func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	query := `
		INSERT INTO builds (id, resource_id, status, phase, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, resource_id, status, phase, error, created_at, updated_at
	`
	b := params.Build
	args := []any{b.ID, b.ResourceID, string(b.Status), string(b.Phase), b.Error, b.CreatedAt, b.UpdatedAt}

	rows, _ := d.db.Query(ctx, query, args...)
	created, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, build.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create build: %w", err)
	}

	return created, nil
}

// UpdateBuild implements build.Database.
func (d *Database) UpdateBuild(ctx context.Context, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	query := `
		UPDATE builds
		SET status = $4, phase = $5, error = $6, updated_at = $7
		WHERE id = $1 AND status = $2 AND phase = $3
		RETURNING id, resource_id, status, phase, error, created_at, updated_at
	`
	b := params.Build
	args := []any{params.ID, string(params.FromStatus), string(params.FromPhase), string(b.Status), string(b.Phase), b.Error, b.UpdatedAt}

	rows, _ := d.db.Query(ctx, query, args...)
	updated, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrConflict
	} else if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}

	return updated, nil
}

// CreateEvent implements build.Database.
func (d *Database) CreateEvent(ctx context.Context, params *build.DatabaseCreateEventParams) error {
	query := `
		INSERT INTO build_events (id, kind, build_id, resource_id, status, error, created_at, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	e := params.Event
	args := []any{e.ID, string(e.Kind), e.BuildID, e.ResourceID, string(e.Status), e.Error, e.CreatedAt, e.DispatchedAt}

	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// ListPendingEvents implements build.Database.
func (d *Database) ListPendingEvents(ctx context.Context, params *build.DatabaseListPendingEventsParams) ([]*build.Event, error) {
	query := `
		SELECT id, kind, build_id, resource_id, status, error, created_at, dispatched_at
		FROM build_events
		WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	args := []any{params.CreatedBefore, params.Limit}

	rows, _ := d.db.Query(ctx, query, args...)
	events, err := pgx.CollectRows(rows, rowToEvent)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}

	return events, nil
}

// MarkEventDispatched implements build.Database.
// Marking an already dispatched event keeps the first DispatchedAt.
func (d *Database) MarkEventDispatched(ctx context.Context, params *build.DatabaseMarkEventDispatchedParams) error {
	query := `
		UPDATE build_events
		SET dispatched_at = coalesce(dispatched_at, $2)
		WHERE id = $1
	`
	args := []any{params.ID, params.DispatchedAt}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}
	return nil
}
