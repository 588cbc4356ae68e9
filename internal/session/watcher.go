package session

import (
	"context"
	"errors"
	"sync"
)

var errSubscriptionClosed = errors.New("session: change subscription closed")

// Watcher fans one store subscription out to per-session listeners, so many
// concurrent gate checks share a single Pub/Sub connection.
type Watcher struct {
	mu        sync.Mutex
	listeners map[string]map[int]chan Change
	next      int
}

func NewWatcher() *Watcher {
	return &Watcher{listeners: make(map[string]map[int]chan Change)}
}

// Run subscribes to store and dispatches until ctx is done.
func (w *Watcher) Run(ctx context.Context, store Store) error {
	changes, err := store.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errSubscriptionClosed
			}
			w.dispatch(ch)
		}
	}
}

// Watch registers interest in one session. The returned cancel must be called
// once the caller stops reading.
func (w *Watcher) Watch(sid string) (<-chan Change, func()) {
	ch := make(chan Change, 4)

	w.mu.Lock()
	id := w.next
	w.next++
	if w.listeners[sid] == nil {
		w.listeners[sid] = make(map[int]chan Change)
	}
	w.listeners[sid][id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.listeners[sid], id)
			if len(w.listeners[sid]) == 0 {
				delete(w.listeners, sid)
			}
		})
	}
}

func (w *Watcher) dispatch(ch Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range w.listeners[ch.SessionID] {
		select {
		case l <- ch:
		default:
		}
	}
}
