package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the number of live sessions.
const DefaultCapacity = 10000

type entry struct {
	mu      sync.Mutex
	session *Session
	removed bool // guarded by both Store.mu and entry.mu for writes
}

// Store holds sessions keyed by id with per-session mutual exclusion.
// The store-level lock only guards lookup and insertion; processing of one
// session never blocks another.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	// parked holds sessions evicted while locked. They return to the LRU on
	// their next lookup or when released.
	parked map[string]*entry
	now    func() time.Time
}

// NewStore creates a session store holding at most capacity idle sessions.
// When full, the least recently acquired idle session is dropped. Sessions
// being processed are never dropped.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{parked: make(map[string]*entry), now: time.Now}
	cache, err := lru.NewWithEvict[string, *entry](capacity, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.entries = cache
	return s, nil
}

// onEvict runs synchronously inside Add and Remove, always with s.mu held.
func (s *Store) onEvict(id string, e *entry) {
	if e.removed {
		return
	}
	if !e.mu.TryLock() {
		s.parked[id] = e
		slog.Debug("session evicted while busy, parked", "session_id", id)
		return
	}
	e.removed = true
	e.mu.Unlock()
	slog.Debug("session evicted", "session_id", id)
}

// Acquire returns the session for id, creating it on first use, and holds
// its lock until release is called.
func (s *Store) Acquire(id string) (*Session, func()) {
	for {
		e := s.lookup(id)
		e.mu.Lock()
		if e.removed {
			// Pruned between lookup and lock; retry against the fresh entry.
			e.mu.Unlock()
			continue
		}
		release := func() {
			e.session.LastActivity = s.now()
			s.unpark(id, e)
			e.mu.Unlock()
		}
		return e.session, release
	}
}

// AcquireExisting is Acquire without creation. It reports false when no
// session exists for id.
func (s *Store) AcquireExisting(id string) (*Session, func(), bool) {
	for {
		s.mu.Lock()
		e, ok := s.find(id)
		s.mu.Unlock()
		if !ok {
			return nil, nil, false
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		release := func() {
			e.session.LastActivity = s.now()
			s.unpark(id, e)
			e.mu.Unlock()
		}
		return e.session, release, true
	}
}

func (s *Store) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.find(id); ok {
		return e
	}
	e := &entry{session: newSession(id, s.now())}
	s.entries.Add(id, e)
	return e
}

// find returns the live entry for id, moving a parked one back into the LRU.
// Callers hold s.mu.
func (s *Store) find(id string) (*entry, bool) {
	if e, ok := s.entries.Get(id); ok {
		return e, true
	}
	if e, ok := s.parked[id]; ok {
		delete(s.parked, id)
		s.entries.Add(id, e)
		return e, true
	}
	return nil, false
}

// unpark returns a parked entry to the LRU. Callers hold e.mu.
func (s *Store) unpark(id string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parked[id] == e {
		delete(s.parked, id)
		s.entries.Add(id, e)
	}
}

// Peek returns a snapshot of the session without creating it.
func (s *Store) Peek(id string) (Session, bool) {
	s.mu.Lock()
	e, ok := s.entries.Peek(id)
	if !ok {
		e, ok = s.parked[id]
	}
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.session.Snapshot(), true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len() + len(s.parked)
}

// Prune removes sessions idle for longer than idle. Sessions currently
// being processed are skipped. Returns the number removed.
func (s *Store) Prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range s.entries.Keys() {
		e, ok := s.entries.Peek(id)
		if !ok || !e.mu.TryLock() {
			continue
		}
		if e.session.LastActivity.Before(cutoff) {
			e.removed = true
			s.entries.Remove(id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// StartPruner runs Prune every interval until ctx is cancelled. The
// returned channel is closed once the worker has exited.
func StartPruner(ctx context.Context, store *Store, interval, idle time.Duration, logger *slog.Logger) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("session pruner started", "interval", interval, "idle_ttl", idle)

		for {
			select {
			case <-ticker.C:
				if n := store.Prune(idle); n > 0 {
					logger.Info("session pruner removed idle sessions", "count", n, "remaining", store.Len())
				}
			case <-ctx.Done():
				logger.Info("session pruner shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
