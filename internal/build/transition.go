package build

import (
	"fmt"
	"time"
)

// Transition is the result of applying a command to a build.
type Transition struct {
	Previous *Build // nil when the build is created
	Next     *Build
	Events   []*Event
}

// Apply computes the next state of current after cmd.
// A nil current means that the build is unknown.
//
// Apply doesn't modify current. When the command must be dropped,
// Apply returns one of ErrUnknownBuild, ErrDuplicateTerminal, ErrStaleCommand,
// ErrAlreadyStarted or ErrBuildFinished.
func Apply(current *Build, cmd *Command, now time.Time) (*Transition, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if current != nil && current.ID != cmd.BuildID {
		return nil, fmt.Errorf("%w: build id %q doesn't match %q", ErrInvalidCommand, cmd.BuildID, current.ID)
	}

	if current == nil {
		if cmd.Kind != CommandStartBuild {
			return nil, ErrUnknownBuild
		}
		next := &Build{
			ID:         cmd.BuildID,
			ResourceID: cmd.ResourceID,
			Status:     StatusRunning,
			Phase:      PhaseCodeGeneration,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return &Transition{Next: next}, nil
	}

	if current.Done() {
		if cmd.Kind == CommandStartBuild {
			return nil, ErrBuildFinished
		}
		return nil, ErrDuplicateTerminal
	}
	if cmd.Kind == CommandStartBuild {
		return nil, ErrAlreadyStarted
	}

	next := *current
	next.UpdatedAt = now

	switch current.Phase {
	case PhaseCodeGeneration:
		switch cmd.Kind {
		case CommandGenerationSucceeded:
			next.Phase = PhasePackageCreation
			return transition(current, &next, EventPackagingRequested, now), nil
		case CommandGenerationFailed:
			next.Status = StatusFailure
			next.Error = cmd.Error
			return transition(current, &next, EventBuildCompleted, now), nil
		case CommandPackagingCompleted:
			// No packaging was requested for this build yet.
			return nil, ErrUnknownBuild
		}
	case PhasePackageCreation:
		switch cmd.Kind {
		case CommandGenerationSucceeded, CommandGenerationFailed:
			return nil, ErrStaleCommand
		case CommandPackagingCompleted:
			if cmd.failed() {
				next.Status = StatusFailure
				next.Error = cmd.Error
			} else {
				next.Status = StatusSuccess
			}
			return transition(current, &next, EventBuildCompleted, now), nil
		}
	}

	return nil, fmt.Errorf("%w: unexpected phase %q", ErrInvalidCommand, current.Phase)
}

func transition(previous, next *Build, kind EventKind, now time.Time) *Transition {
	return &Transition{
		Previous: previous,
		Next:     next,
		Events:   []*Event{newEvent(kind, next, now)},
	}
}
