package buildpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/buildmanager/internal/build"
)

type buildRow struct {
	ID         string    `db:"id"`
	ResourceID string    `db:"resource_id"`
	Status     string    `db:"status"`
	Phase      string    `db:"phase"`
	Error      string    `db:"error"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*build.Build, error) {
	collectedRow, err := pgx.RowToStructByName[buildRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	status, known := build.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading build",
			"status", collectedRow.Status,
			"build_id", collectedRow.ID,
		)
	}
	phase, known := build.PhaseFromString(collectedRow.Phase)
	if !known {
		slog.Default().Warn(
			"unknown phase encountered while reading build",
			"phase", collectedRow.Phase,
			"build_id", collectedRow.ID,
		)
	}

	return &build.Build{
		ID:         collectedRow.ID,
		ResourceID: collectedRow.ResourceID,
		Status:     status,
		Phase:      phase,
		Error:      collectedRow.Error,
		CreatedAt:  collectedRow.CreatedAt.UTC(),
		UpdatedAt:  collectedRow.UpdatedAt.UTC(),
	}, nil
}

type eventRow struct {
	ID           uuid.UUID  `db:"id"`
	Kind         string     `db:"kind"`
	BuildID      string     `db:"build_id"`
	ResourceID   string     `db:"resource_id"`
	Status       string     `db:"status"`
	Error        string     `db:"error"`
	CreatedAt    time.Time  `db:"created_at"`
	DispatchedAt *time.Time `db:"dispatched_at"`
}

func rowToEvent(collectableRow pgx.CollectableRow) (*build.Event, error) {
	collectedRow, err := pgx.RowToStructByName[eventRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to event: %w", err)
	}

	status, _ := build.StatusFromString(collectedRow.Status)
	e := &build.Event{
		ID:         collectedRow.ID,
		Kind:       build.EventKind(collectedRow.Kind),
		BuildID:    collectedRow.BuildID,
		ResourceID: collectedRow.ResourceID,
		Status:     status,
		Error:      collectedRow.Error,
		CreatedAt:  collectedRow.CreatedAt.UTC(),
	}
	if collectedRow.DispatchedAt != nil {
		at := collectedRow.DispatchedAt.UTC()
		e.DispatchedAt = &at
	}
	return e, nil
}
