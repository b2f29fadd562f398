package build

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	// EventPackagingRequested asks the package manager to package the generated code.
	EventPackagingRequested EventKind = "packaging_requested"
	// EventBuildCompleted publishes the final status of a build.
	EventBuildCompleted EventKind = "build_completed"
)

// Event is an outbound notification.
// It is stored together with the transition that produced it
// and stays pending until DispatchedAt is set.
type Event struct {
	ID           uuid.UUID
	Kind         EventKind
	BuildID      string
	ResourceID   string
	Status       Status
	Error        string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

func newEvent(kind EventKind, b *Build, now time.Time) *Event {
	return &Event{
		ID:         uuid.New(),
		Kind:       kind,
		BuildID:    b.ID,
		ResourceID: b.ResourceID,
		Status:     b.Status,
		Error:      b.Error,
		CreatedAt:  now,
	}
}
