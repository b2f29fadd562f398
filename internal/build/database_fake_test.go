package build

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// FakeDatabase is an in-memory Database.
// Transactions are serialized: Begin blocks until the previous transaction is closed.
type FakeDatabase struct {
	CommitErr error // returned by the next Commit, then cleared
	MarkErr   error // returned by every MarkEventDispatched while set

	txMu sync.Mutex // held for the lifetime of a transaction

	mu     sync.Mutex
	builds map[string]*Build
	events []*Event
}

func (d *FakeDatabase) Begin(ctx context.Context) (DatabaseTx, error) {
	d.txMu.Lock()
	return &fakeTx{db: d, builds: make(map[string]*Build)}, nil
}

func (d *FakeDatabase) GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBuild(b), nil
}

func (d *FakeDatabase) GetBuildForUpdate(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	return d.GetBuild(ctx, params)
}

func (d *FakeDatabase) CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error) {
	tx, _ := d.Begin(ctx)
	defer func() { _ = tx.Rollback(ctx) }()
	b, err := tx.CreateBuild(ctx, params)
	if err != nil {
		return nil, err
	}
	return b, tx.Commit(ctx)
}

func (d *FakeDatabase) UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error) {
	tx, _ := d.Begin(ctx)
	defer func() { _ = tx.Rollback(ctx) }()
	b, err := tx.UpdateBuild(ctx, params)
	if err != nil {
		return nil, err
	}
	return b, tx.Commit(ctx)
}

func (d *FakeDatabase) CreateEvent(ctx context.Context, params *DatabaseCreateEventParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, copyEvent(params.Event))
	return nil
}

func (d *FakeDatabase) ListPendingEvents(ctx context.Context, params *DatabaseListPendingEventsParams) ([]*Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var events []*Event
	for _, e := range d.events {
		if e.DispatchedAt != nil || !e.CreatedAt.Before(params.CreatedBefore) {
			continue
		}
		events = append(events, copyEvent(e))
		if len(events) == params.Limit {
			break
		}
	}
	return events, nil
}

func (d *FakeDatabase) MarkEventDispatched(ctx context.Context, params *DatabaseMarkEventDispatchedParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MarkErr != nil {
		return d.MarkErr
	}
	for _, e := range d.events {
		if e.ID == params.ID {
			if e.DispatchedAt == nil {
				at := params.DispatchedAt
				e.DispatchedAt = &at
			}
			return nil
		}
	}
	return ErrNotFound
}

// Events returns all stored events, pending or not.
func (d *FakeDatabase) Events() []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := make([]*Event, 0, len(d.events))
	for _, e := range d.events {
		events = append(events, copyEvent(e))
	}
	return events
}

// PendingEvents returns stored events that weren't dispatched.
func (d *FakeDatabase) PendingEvents() []*Event {
	return slices.DeleteFunc(d.Events(), func(e *Event) bool { return e.DispatchedAt != nil })
}

type fakeTx struct {
	db     *FakeDatabase
	builds map[string]*Build // staged
	events []*Event          // staged
	closed bool
}

func (tx *fakeTx) Begin(ctx context.Context) (DatabaseTx, error) {
	return nil, errors.New("nested transactions aren't supported")
}

func (tx *fakeTx) GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	if tx.closed {
		return nil, ErrTxAlreadyClosed
	}
	if b, ok := tx.builds[params.ID]; ok {
		return copyBuild(b), nil
	}
	return tx.db.GetBuild(ctx, params)
}

func (tx *fakeTx) GetBuildForUpdate(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	return tx.GetBuild(ctx, params)
}

func (tx *fakeTx) CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error) {
	if tx.closed {
		return nil, ErrTxAlreadyClosed
	}
	_, err := tx.GetBuild(ctx, &DatabaseGetBuildParams{ID: params.Build.ID})
	if err == nil {
		return nil, ErrAlreadyExists
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tx.builds[params.Build.ID] = copyBuild(params.Build)
	return copyBuild(params.Build), nil
}

func (tx *fakeTx) UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error) {
	if tx.closed {
		return nil, ErrTxAlreadyClosed
	}
	current, err := tx.GetBuild(ctx, &DatabaseGetBuildParams{ID: params.ID})
	if err != nil {
		return nil, err
	}
	if current.Status != params.FromStatus || current.Phase != params.FromPhase {
		return nil, ErrConflict
	}
	tx.builds[params.ID] = copyBuild(params.Build)
	return copyBuild(params.Build), nil
}

func (tx *fakeTx) CreateEvent(ctx context.Context, params *DatabaseCreateEventParams) error {
	if tx.closed {
		return ErrTxAlreadyClosed
	}
	tx.events = append(tx.events, copyEvent(params.Event))
	return nil
}

func (tx *fakeTx) ListPendingEvents(ctx context.Context, params *DatabaseListPendingEventsParams) ([]*Event, error) {
	return tx.db.ListPendingEvents(ctx, params)
}

func (tx *fakeTx) MarkEventDispatched(ctx context.Context, params *DatabaseMarkEventDispatchedParams) error {
	return tx.db.MarkEventDispatched(ctx, params)
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	if tx.closed {
		return ErrTxAlreadyClosed
	}
	tx.closed = true
	defer tx.db.txMu.Unlock()

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if err := tx.db.CommitErr; err != nil {
		tx.db.CommitErr = nil
		return err
	}
	if tx.db.builds == nil {
		tx.db.builds = make(map[string]*Build)
	}
	for id, b := range tx.builds {
		tx.db.builds[id] = b
	}
	tx.db.events = append(tx.db.events, tx.events...)
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if tx.closed {
		return ErrTxAlreadyClosed
	}
	tx.closed = true
	tx.db.txMu.Unlock()
	return nil
}

func copyBuild(b *Build) *Build {
	c := *b
	return &c
}

func copyEvent(e *Event) *Event {
	c := *e
	if e.DispatchedAt != nil {
		at := *e.DispatchedAt
		c.DispatchedAt = &at
	}
	return &c
}

// SpyDispatcher records dispatched events.
type SpyDispatcher struct {
	Err error // returned by Dispatch while set

	mu     sync.Mutex
	Events []*Event
}

func (d *SpyDispatcher) Dispatch(ctx context.Context, e *Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.Events = append(d.Events, copyEvent(e))
	return nil
}

func (d *SpyDispatcher) Dispatched() []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Events)
}

func (d *SpyDispatcher) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// SpyGenerator records code generator invocations.
type SpyGenerator struct {
	Err error
	Fn  func(call int) error // overrides Err when set, call starts at 1

	mu    sync.Mutex
	Calls []*GenerateParams
}

func (g *SpyGenerator) Generate(ctx context.Context, params *GenerateParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, params)
	if g.Fn != nil {
		return g.Fn(len(g.Calls))
	}
	return g.Err
}

func (g *SpyGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// stepClock returns a clock that advances by one second on every call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}
