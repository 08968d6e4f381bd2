package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"opsync/internal/docstore"
	"opsync/internal/domain"
)

// Multiplexer owns the merged view. Its reducer goroutine is the only writer;
// everyone else reads immutable snapshots.
type Multiplexer struct {
	store    docstore.Store
	defaults domain.OperationConfig
	logger   *slog.Logger

	state  atomic.Pointer[domain.OperationState]
	loaded chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	subs   map[int]chan domain.OperationState
	nextID int
	closed bool
}

func New(store docstore.Store, defaults domain.OperationConfig, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multiplexer{
		store:    store,
		defaults: defaults,
		logger:   logger.With("component", "stream"),
		loaded:   make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]chan domain.OperationState),
	}
	initial := Initial(defaults)
	m.state.Store(&initial)
	return m
}

// Start opens the three subscriptions and runs the reducer until ctx ends.
// It returns once the subscriptions are established.
func (m *Multiplexer) Start(ctx context.Context) error {
	cfgCh, err := m.store.WatchDocument(ctx, domain.ConfigRef())
	if err != nil {
		return err
	}
	missionCh, err := m.store.WatchCollection(ctx, domain.CollectionMissions, docstore.Query{})
	if err != nil {
		return err
	}
	operatorCh, err := m.store.WatchCollection(ctx, domain.CollectionOperators, docstore.Query{OrderBy: "score", Desc: true})
	if err != nil {
		return err
	}
	go m.run(ctx, cfgCh, missionCh, operatorCh)
	return nil
}

// Run is Start followed by waiting for teardown.
func (m *Multiplexer) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.done
	return ctx.Err()
}

func (m *Multiplexer) run(ctx context.Context, cfgCh <-chan docstore.DocumentSnapshot, missionCh, operatorCh <-chan docstore.CollectionSnapshot) {
	defer m.shutdown()
	for cfgCh != nil || missionCh != nil || operatorCh != nil {
		var (
			ev  Event
			ok  bool
			err error
		)
		select {
		case <-ctx.Done():
			return
		case snap, open := <-cfgCh:
			if !open {
				cfgCh = nil
				continue
			}
			ev, err = configEvent(snap, m.defaults)
			ok = err == nil
			if err != nil {
				m.logger.Error("config subscription failed", "err", err)
			}
		case snap, open := <-missionCh:
			if !open {
				missionCh = nil
				continue
			}
			ev, err = missionsEvent(snap)
			ok = err == nil
			if err != nil {
				m.logger.Error("missions subscription failed", "err", err)
			}
		case snap, open := <-operatorCh:
			if !open {
				operatorCh = nil
				continue
			}
			ev, err = operatorsEvent(snap)
			ok = err == nil
			if err != nil {
				m.logger.Error("operators subscription failed", "err", err)
			}
		}
		if ok {
			m.apply(ev)
		}
	}
}

func (m *Multiplexer) apply(ev Event) {
	prev := m.state.Load()
	next := Reduce(*prev, ev, m.defaults)
	m.state.Store(&next)
	if next.Loaded && !prev.Loaded {
		close(m.loaded)
	}
	m.logger.Debug("state updated", "stream", ev.Kind.String(), "missions", len(next.Missions), "operators", len(next.Operators))
	m.broadcast(next)
}

func configEvent(snap docstore.DocumentSnapshot, defaults domain.OperationConfig) (Event, error) {
	if snap.Err != nil {
		return Event{}, snap.Err
	}
	if !snap.Exists {
		return Event{Kind: KindConfig}, nil
	}
	cfg, err := domain.ConfigFromDocument(snap.Document, defaults)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindConfig, Config: &cfg}, nil
}

func missionsEvent(snap docstore.CollectionSnapshot) (Event, error) {
	if snap.Err != nil {
		return Event{}, snap.Err
	}
	missions, err := domain.MissionsFromDocuments(snap.Documents)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindMissions, Missions: missions}, nil
}

func operatorsEvent(snap docstore.CollectionSnapshot) (Event, error) {
	if snap.Err != nil {
		return Event{}, snap.Err
	}
	operators, err := domain.OperatorsFromDocuments(snap.Documents)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindOperators, Operators: operators}, nil
}

// Snapshot returns the latest merged state. Callers must not modify its slices.
func (m *Multiplexer) Snapshot() domain.OperationState {
	return *m.state.Load()
}

// Loaded is closed once the operators stream has reported.
func (m *Multiplexer) Loaded() <-chan struct{} { return m.loaded }

// Done is closed when the reducer has stopped.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

var ErrStopped = errors.New("stream stopped")

// WaitLoaded blocks until the first operators update or ctx ends.
func (m *Multiplexer) WaitLoaded(ctx context.Context) error {
	select {
	case <-m.loaded:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers the current state and then every newer one, dropping
// intermediate states a slow reader has not consumed. The channel closes when
// ctx ends or the multiplexer stops.
func (m *Multiplexer) Subscribe(ctx context.Context) <-chan domain.OperationState {
	ch := make(chan domain.OperationState, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- *m.state.Load()
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
			return
		}
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}()
	return ch
}

func (m *Multiplexer) broadcast(s domain.OperationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		offerLatest(ch, s)
	}
}

func (m *Multiplexer) shutdown() {
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
	close(m.done)
}

func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
