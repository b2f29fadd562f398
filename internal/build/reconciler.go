package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultReconcileMinAge = 30 * time.Second
	defaultReconcileLimit  = 100
)

// Reconciler re-dispatches events that were committed but never dispatched,
// for example because the broker was unavailable or the process crashed
// right after the commit.
type Reconciler struct {
	database   Database   // required
	dispatcher Dispatcher // required
	log        *slog.Logger
	recorder   Recorder
	now        func() time.Time

	// MinAge keeps the reconciler away from events that the runner
	// is probably still dispatching.
	MinAge time.Duration
	Limit  int
}

func NewReconciler(database Database, dispatcher Dispatcher, log *slog.Logger, recorder Recorder) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Reconciler{
		database:   database,
		dispatcher: dispatcher,
		log:        log.With("component", "reconciler"),
		recorder:   recorder,
		now:        func() time.Time { return time.Now().UTC() },
		MinAge:     defaultReconcileMinAge,
		Limit:      defaultReconcileLimit,
	}
}

type ReconcileResult struct {
	Dispatched int
	Failed     int
}

// Reconcile dispatches one batch of pending events.
// It returns an error only if pending events couldn't be listed;
// dispatch failures are counted in the result and retried on the next call.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	now := r.now()

	minAge := r.MinAge
	if minAge < 0 {
		minAge = 0
	}
	limit := r.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	events, err := r.database.ListPendingEvents(ctx, &DatabaseListPendingEventsParams{
		CreatedBefore: now.Add(-minAge),
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("build.Reconciler: %w", err)
	}

	result := &ReconcileResult{}
	for _, e := range events {
		if err = ctx.Err(); err != nil {
			return result, fmt.Errorf("build.Reconciler: %w", err)
		}
		if err = dispatchEvent(ctx, r.database, r.dispatcher, e, r.now()); err != nil {
			r.log.Warn("didn't redispatch event", "build_id", e.BuildID, "event_id", e.ID, "event", e.Kind, "err", err)
			r.recorder.IncDispatchResult(e.Kind, false)
			result.Failed++
			continue
		}
		r.recorder.IncDispatchResult(e.Kind, true)
		result.Dispatched++
	}

	if len(events) > 0 {
		r.log.Info("reconciled events", "dispatched", result.Dispatched, "failed", result.Failed)
	}
	return result, nil
}
