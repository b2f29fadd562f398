package buildsqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/k11v/buildmanager/internal/build"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, params *build.GenerateParams) error { return nil }

type stubDispatcher struct{ events []*build.Event }

func (d *stubDispatcher) Dispatch(ctx context.Context, e *build.Event) error {
	d.events = append(d.events, e)
	return nil
}

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()

	d, err := Open(ctx, ":memory:")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(func() {
		if err := d.Close(); err != nil {
			tb.Errorf("didn't want %q", err)
		}
	})
	return d
}

func TestDatabase(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 123000, time.UTC)

	t.Run("creates and gets a build", func(t *testing.T) {
		ctx := context.Background()
		database := NewTestDatabase(t, ctx)
		want := &build.Build{
			ID:         "b1",
			ResourceID: "r1",
			Status:     build.StatusRunning,
			Phase:      build.PhaseCodeGeneration,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		created, err := database.CreateBuild(ctx, &build.DatabaseCreateBuildParams{Build: want})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !reflect.DeepEqual(created, want) {
			t.Fatalf("got %v, want %v", created, want)
		}

		got, err := database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: "b1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		_, err = database.CreateBuild(ctx, &build.DatabaseCreateBuildParams{Build: want})
		if got, want := err, build.ErrAlreadyExists; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("doesn't get an unknown build", func(t *testing.T) {
		ctx := context.Background()
		database := NewTestDatabase(t, ctx)

		_, err := database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: "unknown"})
		if got, want := err, build.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("doesn't update a build that changed", func(t *testing.T) {
		ctx := context.Background()
		database := NewTestDatabase(t, ctx)
		b := &build.Build{ID: "b1", ResourceID: "r1", Status: build.StatusRunning, Phase: build.PhaseCodeGeneration, CreatedAt: now, UpdatedAt: now}
		if _, err := database.CreateBuild(ctx, &build.DatabaseCreateBuildParams{Build: b}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		_, err := database.UpdateBuild(ctx, &build.DatabaseUpdateBuildParams{
			ID:         "b1",
			FromStatus: build.StatusRunning,
			FromPhase:  build.PhasePackageCreation,
			Build:      b,
		})
		if got, want := err, build.ErrConflict; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("rolls back a transaction", func(t *testing.T) {
		ctx := context.Background()
		database := NewTestDatabase(t, ctx)

		tx, err := database.Begin(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		b := &build.Build{ID: "b1", ResourceID: "r1", Status: build.StatusRunning, Phase: build.PhaseCodeGeneration, CreatedAt: now, UpdatedAt: now}
		if _, err = tx.CreateBuild(ctx, &build.DatabaseCreateBuildParams{Build: b}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = tx.Rollback(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := tx.Commit(ctx), build.ErrTxAlreadyClosed; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}

		_, err = database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: "b1"})
		if got, want := err, build.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestDatabaseWithRunner(t *testing.T) {
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)
	dispatcher := &stubDispatcher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := build.NewRunner(database, stubGenerator{}, dispatcher, build.WithLogger(log))

	commands := []*build.Command{
		build.StartBuild("r1", "b1", []byte(`{}`)),
		build.GenerationSucceeded("r1", "b1"),
		build.PackagingCompleted("r1", "b1", ""),
	}
	for _, cmd := range commands {
		outcome, err := runner.Handle(ctx, cmd)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if outcome.Dropped != nil {
			t.Fatalf("didn't want %q", outcome.Dropped)
		}
	}

	outcome, err := runner.Handle(ctx, build.PackagingCompleted("r1", "b1", ""))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := outcome.Dropped, build.ErrDuplicateTerminal; !errors.Is(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	b, err := database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: "b1"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := b.Status, build.StatusSuccess; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := len(dispatcher.events), 2; got != want {
		t.Fatalf("got %d dispatched events, want %d", got, want)
	}

	pending, err := database.ListPendingEvents(ctx, &build.DatabaseListPendingEventsParams{
		CreatedBefore: time.Now().Add(time.Hour),
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got := len(pending); got != 0 {
		t.Fatalf("got %d pending events, want 0", got)
	}
}
