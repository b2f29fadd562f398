package build

import (
	"time"
)

type Build struct {
	ID         string
	ResourceID string
	Status     Status
	Phase      Phase
	Error      string // empty unless Status is StatusFailure
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Done reports whether the build reached a terminal status.
func (b *Build) Done() bool {
	return b.Status.Done()
}

// Status represents the build status as a string.
type Status string

const (
	// StatusRunning indicates that the build is in one of its phases.
	StatusRunning Status = "running"
	// StatusSuccess indicates that the build has completed successfully.
	StatusSuccess Status = "success"
	// StatusFailure indicates that the build has failed.
	StatusFailure Status = "failure"
)

var statuses = map[Status]struct{}{
	StatusRunning: {},
	StatusSuccess: {},
	StatusFailure: {},
}

// StatusFromString converts a string to a Status type and checks if it is a known status.
// It returns the Status and a boolean indicating whether the status is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Phase represents the stage of a running build.
type Phase string

const (
	PhaseCodeGeneration  Phase = "code_generation"
	PhasePackageCreation Phase = "package_creation"
)

func PhaseFromString(s string) (phase Phase, known bool) {
	phase = Phase(s)
	switch phase {
	case PhaseCodeGeneration, PhasePackageCreation:
		return phase, true
	default:
		return phase, false
	}
}
