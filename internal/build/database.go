package build

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Database interface {
	Begin(ctx context.Context) (DatabaseTx, error)
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)
	GetBuildForUpdate(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error)
	UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error)
	CreateEvent(ctx context.Context, params *DatabaseCreateEventParams) error
	ListPendingEvents(ctx context.Context, params *DatabaseListPendingEventsParams) ([]*Event, error)
	MarkEventDispatched(ctx context.Context, params *DatabaseMarkEventDispatchedParams) error
}

type DatabaseTx interface {
	Database

	// Commit returns ErrTxAlreadyClosed if the transaction is already closed.
	Commit(ctx context.Context) error

	// Rollback returns ErrTxAlreadyClosed if the transaction is already closed.
	// It is meant to be deferred right after Begin.
	Rollback(ctx context.Context) error
}

type DatabaseGetBuildParams struct {
	ID string
}

// DatabaseCreateBuildParams.
// CreateBuild returns ErrAlreadyExists if a build with the same ID exists.
type DatabaseCreateBuildParams struct {
	Build *Build
}

// DatabaseUpdateBuildParams describes a conditional update.
// UpdateBuild returns ErrConflict if the stored build
// no longer has FromStatus and FromPhase.
type DatabaseUpdateBuildParams struct {
	ID         string
	FromStatus Status
	FromPhase  Phase
	Build      *Build
}

type DatabaseCreateEventParams struct {
	Event *Event
}

type DatabaseListPendingEventsParams struct {
	CreatedBefore time.Time
	Limit         int
}

type DatabaseMarkEventDispatchedParams struct {
	ID           uuid.UUID
	DispatchedAt time.Time
}
