package results

import (
	"context"
	"sync"
	"time"
)

type (
	// InmemStore is an in-process Store with TTL expiry, used by tests and
	// single-process runs. Production deployments use the Redis-backed store.
	InmemStore struct {
		mu        sync.RWMutex
		retention time.Duration
		entries   map[string]inmemEntry
		now       func() time.Time
	}

	inmemEntry struct {
		iv        Intervention
		expiresAt time.Time
	}

	// InmemBus is an in-process Bus. Publish never blocks: slow subscribers
	// miss intermediate transitions but always receive the latest update,
	// which is sufficient under the duplicate-tolerant delivery contract.
	InmemBus struct {
		mu   sync.Mutex
		subs map[string][]chan StateUpdate
	}
)

// NewInmemStore builds an in-memory store with the given retention TTL.
func NewInmemStore(retention time.Duration) *InmemStore {
	return &InmemStore{
		retention: retention,
		entries:   make(map[string]inmemEntry),
		now:       time.Now,
	}
}

// Put stores the artifact unless a live entry already exists for the
// fingerprint (first write wins).
func (s *InmemStore) Put(_ context.Context, iv Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[iv.Fingerprint]; ok && s.now().Before(e.expiresAt) {
		return nil
	}
	s.entries[iv.Fingerprint] = inmemEntry{iv: iv, expiresAt: s.now().Add(s.retention)}
	return nil
}

// Get returns the stored artifact when present and unexpired.
func (s *InmemStore) Get(_ context.Context, fingerprint string) (Intervention, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok || s.now().After(e.expiresAt) {
		return Intervention{}, false, nil
	}
	return e.iv, true, nil
}

// NewInmemBus builds an in-memory subscription bus.
func NewInmemBus() *InmemBus {
	return &InmemBus{subs: make(map[string][]chan StateUpdate)}
}

// Publish delivers the update to every subscriber of the fingerprint.
func (b *InmemBus) Publish(_ context.Context, update StateUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[update.Fingerprint] {
		select {
		case ch <- update:
		default:
			// Drain the stale update then deliver the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a waiter for the fingerprint.
func (b *InmemBus) Subscribe(_ context.Context, fingerprint string) (<-chan StateUpdate, context.CancelFunc, error) {
	ch := make(chan StateUpdate, 8)
	b.mu.Lock()
	b.subs[fingerprint] = append(b.subs[fingerprint], ch)
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[fingerprint]
		for i, c := range chans {
			if c == ch {
				b.subs[fingerprint] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[fingerprint]) == 0 {
			delete(b.subs, fingerprint)
		}
	}
	return ch, cancel, nil
}
