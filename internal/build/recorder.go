package build

import "time"

// Result labels used with Recorder.IncCommandResult.
const (
	ResultApplied = "applied"
	ResultDropped = "dropped"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Recorder receives runner metrics.
// See github.com/k11v/buildmanager/internal/metrics for the Prometheus implementation.
type Recorder interface {
	IncCommandResult(kind CommandKind, result string)
	IncBuildOutcome(status Status)
	ObserveBuildDuration(d time.Duration)
	IncDispatchResult(kind EventKind, ok bool)
}

type noopRecorder struct{}

func (noopRecorder) IncCommandResult(CommandKind, string) {}
func (noopRecorder) IncBuildOutcome(Status)               {}
func (noopRecorder) ObserveBuildDuration(time.Duration)   {}
func (noopRecorder) IncDispatchResult(EventKind, bool)    {}
