package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

// MemoryStore keeps credentials in process memory.
// Suitable for a single portal instance and for tests.
//
// Each session gets a deadline when Set creates it; Swap keeps the deadline,
// so background refreshes never extend a session past its TTL.
type MemoryStore struct {
	mu        sync.Mutex
	version   uint64
	ttl       time.Duration
	now       func() time.Time
	creds     map[string]Credential
	deadlines map[string]time.Time
	subs      map[int]chan Change
	nextSub   int
}

const subscriberBuffer = 64

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTTL(DefaultTTL)
}

// NewMemoryStoreWithTTL bounds every session to ttl from the Set that created it.
func NewMemoryStoreWithTTL(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:       ttl,
		now:       time.Now,
		creds:     make(map[string]Credential),
		deadlines: make(map[string]time.Time),
		subs:      make(map[int]chan Change),
	}
}

func (s *MemoryStore) Get(ctx context.Context, sid string) (Credential, error) {
	if sid == "" {
		return Credential{}, ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(sid)
	return s.creds[sid], nil
}

func (s *MemoryStore) Set(ctx context.Context, sid string, c Credential) (Credential, error) {
	if sid == "" {
		return Credential{}, ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(sid, c, true), nil
}

func (s *MemoryStore) Swap(ctx context.Context, sid string, expected uint64, c Credential) (Credential, error) {
	if sid == "" {
		return Credential{}, ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(sid)
	if s.creds[sid].Version != expected {
		return Credential{}, ErrVersionConflict
	}
	return s.writeLocked(sid, c, false), nil
}

func (s *MemoryStore) Clear(ctx context.Context, sid string) error {
	if sid == "" {
		return ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(sid, Credential{}, false)
	return nil
}

// Sessions lists live ids and evicts the ones past their deadline.
func (s *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.creds))
	for sid := range s.creds {
		if s.expireLocked(sid) {
			continue
		}
		out = append(out, sid)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// writeLocked applies a write and notifies subscribers. arm restarts the
// session deadline; a session created by Swap gets one as well. Caller holds s.mu.
func (s *MemoryStore) writeLocked(sid string, c Credential, arm bool) Credential {
	_, existed := s.creds[sid]
	if !c.Present() {
		if existed {
			s.dropLocked(sid)
		}
		return Credential{}
	}

	s.version++
	c.Version = s.version
	s.creds[sid] = c
	if arm || !existed {
		s.deadlines[sid] = s.now().Add(s.ttl)
	}
	s.publishLocked(changeOf(sid, c))
	return c
}

// expireLocked drops sid when its deadline has passed and reports whether it did.
func (s *MemoryStore) expireLocked(sid string) bool {
	deadline, ok := s.deadlines[sid]
	if !ok || s.now().Before(deadline) {
		return false
	}
	s.dropLocked(sid)
	return true
}

func (s *MemoryStore) dropLocked(sid string) {
	delete(s.creds, sid)
	delete(s.deadlines, sid)
	s.publishLocked(Change{SessionID: sid})
}

// publishLocked never blocks a writer: a full subscriber misses the change
// and is expected to re-read the store.
func (s *MemoryStore) publishLocked(ch Change) {
	for _, sub := range s.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}
