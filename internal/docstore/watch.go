package docstore

import (
	"context"
	"errors"
	"sync"
)

// hub wakes watchers after a commit touches their collection.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	notify chan struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[*watcher]struct{})}
}

func (h *hub) register(collection string) *watcher {
	w := &watcher{notify: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[collection]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[collection] = set
	}
	set[w] = struct{}{}
	return w
}

func (h *hub) unregister(collection string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers[collection], w)
	if len(h.watchers[collection]) == 0 {
		delete(h.watchers, collection)
	}
}

func (h *hub) publish(collections map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range collections {
		for w := range h.watchers[c] {
			select {
			case w.notify <- struct{}{}:
			default:
			}
		}
	}
}

// offerLatest delivers v without blocking, replacing an undelivered value.
// The producer goroutine is the only sender on ch.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (s *SQLStore) WatchCollection(ctx context.Context, collection string, q Query) (<-chan CollectionSnapshot, error) {
	if collection == "" {
		return nil, ErrInvalidRef
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	w := s.hub.register(collection)
	out := make(chan CollectionSnapshot, 1)
	go func() {
		defer close(out)
		defer s.hub.unregister(collection, w)
		for {
			docs, err := s.Query(ctx, collection, q)
			if ctx.Err() != nil {
				return
			}
			offerLatest(out, CollectionSnapshot{Collection: collection, Documents: docs, Err: err})
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
		}
	}()
	return out, nil
}

func (s *SQLStore) WatchDocument(ctx context.Context, ref Ref) (<-chan DocumentSnapshot, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	w := s.hub.register(ref.Collection)
	out := make(chan DocumentSnapshot, 1)
	go func() {
		defer close(out)
		defer s.hub.unregister(ref.Collection, w)
		for {
			doc, err := s.Get(ctx, ref)
			if ctx.Err() != nil {
				return
			}
			snap := DocumentSnapshot{Ref: ref}
			switch {
			case err == nil:
				snap.Exists = true
				snap.Document = doc
			case errors.Is(err, ErrNotFound):
			default:
				snap.Err = err
			}
			offerLatest(out, snap)
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
		}
	}()
	return out, nil
}
