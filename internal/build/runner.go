package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner applies commands to builds.
// Commands for the same build are serialized within the process by a keyed mutex
// and across processes by the row lock taken with Database.GetBuildForUpdate.
type Runner struct {
	database   Database   // required
	generator  Generator  // required
	dispatcher Dispatcher // required
	log        *slog.Logger
	recorder   Recorder
	now        func() time.Time

	locks keyMutex
}

type RunnerOption func(*Runner)

func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

func WithRecorder(recorder Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = recorder }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(database Database, generator Generator, dispatcher Dispatcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		database:   database,
		generator:  generator,
		dispatcher: dispatcher,
		log:        slog.Default(),
		recorder:   noopRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "runner")
	return r
}

// Outcome describes what Handle did with a command.
type Outcome struct {
	Build   *Build   // current build, nil if unknown
	Events  []*Event // events produced by the command
	Dropped error    // reason the command was dropped, nil if it was applied
}

// Handle applies cmd to its build.
//
// Invalid, unknown, duplicate and stale commands are logged and dropped:
// Handle returns a nil error and an Outcome with Dropped set.
// A non-nil error means that the command wasn't persisted
// and the message carrying it should be redelivered.
//
// A start for a build that is still in code generation invokes the generator again.
func (r *Runner) Handle(ctx context.Context, cmd *Command) (*Outcome, error) {
	if err := cmd.Validate(); err != nil {
		r.log.Warn("dropped invalid command", "err", err)
		var kind CommandKind
		if cmd != nil {
			kind = cmd.Kind
		}
		r.recorder.IncCommandResult(kind, ResultInvalid)
		return &Outcome{Dropped: err}, nil
	}

	unlock := r.locks.Lock(cmd.BuildID)
	defer unlock()

	outcome, err := r.apply(ctx, cmd)
	if err != nil {
		r.recorder.IncCommandResult(cmd.Kind, ResultError)
		return nil, fmt.Errorf("build.Runner: %w", err)
	}
	if outcome.Dropped != nil && !awaitsGeneration(cmd, outcome) {
		return outcome, nil
	}

	if cmd.Kind == CommandStartBuild {
		if outcome.Dropped != nil {
			r.log.Info("reinvoking code generator", "build_id", cmd.BuildID, "resource_id", cmd.ResourceID)
		}
		err = r.generator.Generate(ctx, &GenerateParams{
			ResourceID:     cmd.ResourceID,
			BuildID:        cmd.BuildID,
			GenerationData: cmd.GenerationData,
		})
		if err != nil {
			err = &ExternalInvocationError{Op: "generate code", Err: err}
			r.log.Error("didn't invoke code generator", "build_id", cmd.BuildID, "resource_id", cmd.ResourceID, "err", err)

			failed, applyErr := r.apply(ctx, GenerationFailed(cmd.ResourceID, cmd.BuildID, err.Error()))
			if applyErr != nil {
				r.recorder.IncCommandResult(CommandGenerationFailed, ResultError)
				return nil, fmt.Errorf("build.Runner: %w", applyErr)
			}
			return failed, nil
		}
	}

	return outcome, nil
}

// awaitsGeneration reports whether a dropped start is a redelivery for a build
// that is still in code generation.
func awaitsGeneration(cmd *Command, outcome *Outcome) bool {
	b := outcome.Build
	return cmd.Kind == CommandStartBuild &&
		errors.Is(outcome.Dropped, ErrAlreadyStarted) &&
		b != nil && b.Status == StatusRunning && b.Phase == PhaseCodeGeneration
}

// apply runs a single transition in a transaction and dispatches its events.
// The caller must hold the lock for cmd.BuildID.
func (r *Runner) apply(ctx context.Context, cmd *Command) (*Outcome, error) {
	tx, err := r.database.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := tx.GetBuildForUpdate(ctx, &DatabaseGetBuildParams{ID: cmd.BuildID})
	if errors.Is(err, ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, err
	}

	t, err := Apply(current, cmd, r.now())
	if err != nil {
		return r.drop(cmd, current, err), nil
	}

	var next *Build
	if t.Previous == nil {
		next, err = tx.CreateBuild(ctx, &DatabaseCreateBuildParams{Build: t.Next})
		if errors.Is(err, ErrAlreadyExists) {
			// Another process created the build after our read.
			return r.drop(cmd, nil, ErrAlreadyStarted), nil
		}
	} else {
		next, err = tx.UpdateBuild(ctx, &DatabaseUpdateBuildParams{
			ID:         t.Previous.ID,
			FromStatus: t.Previous.Status,
			FromPhase:  t.Previous.Phase,
			Build:      t.Next,
		})
	}
	if err != nil {
		return nil, err
	}

	for _, e := range t.Events {
		if err = tx.CreateEvent(ctx, &DatabaseCreateEventParams{Event: e}); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.log.Info(
		"applied command",
		"build_id", cmd.BuildID,
		"resource_id", cmd.ResourceID,
		"command", cmd.Kind,
		"status", next.Status,
		"phase", next.Phase,
	)
	r.recorder.IncCommandResult(cmd.Kind, ResultApplied)
	if next.Done() {
		r.recorder.IncBuildOutcome(next.Status)
		r.recorder.ObserveBuildDuration(next.UpdatedAt.Sub(next.CreatedAt))
	}

	r.dispatch(ctx, t.Events)

	return &Outcome{Build: next, Events: t.Events}, nil
}

// dispatch publishes committed events. Failures are logged and the events
// are left pending for the Reconciler.
func (r *Runner) dispatch(ctx context.Context, events []*Event) {
	for _, e := range events {
		if err := dispatchEvent(ctx, r.database, r.dispatcher, e, r.now()); err != nil {
			r.log.Warn("didn't dispatch event", "build_id", e.BuildID, "event_id", e.ID, "event", e.Kind, "err", err)
			r.recorder.IncDispatchResult(e.Kind, false)
			continue
		}
		r.recorder.IncDispatchResult(e.Kind, true)
	}
}

func (r *Runner) drop(cmd *Command, current *Build, err error) *Outcome {
	attrs := []any{"build_id", cmd.BuildID, "resource_id", cmd.ResourceID, "command", cmd.Kind, "reason", err}
	if current != nil {
		attrs = append(attrs, "status", current.Status, "phase", current.Phase)
	}

	switch {
	case errors.Is(err, ErrBuildFinished):
		r.log.Error("dropped command", attrs...)
	case errors.Is(err, ErrUnknownBuild), errors.Is(err, ErrInvalidCommand):
		r.log.Warn("dropped command", attrs...)
	default:
		r.log.Info("dropped command", attrs...)
	}
	r.recorder.IncCommandResult(cmd.Kind, ResultDropped)

	return &Outcome{Build: current, Dropped: err}
}

func dispatchEvent(ctx context.Context, database Database, dispatcher Dispatcher, e *Event, now time.Time) error {
	if err := dispatcher.Dispatch(ctx, e); err != nil {
		return err
	}
	err := database.MarkEventDispatched(ctx, &DatabaseMarkEventDispatchedParams{ID: e.ID, DispatchedAt: now})
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	e.DispatchedAt = &now
	return nil
}
