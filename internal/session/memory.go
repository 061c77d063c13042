package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]Session
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{ttl: ttl, now: time.Now, sessions: map[string]Session{}}
}

var _ Registry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) Create(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	s := Session{ID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(r.ttl)}
	r.sessions[s.ID] = s
	return s, nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[id]
	if !ok || !now.Before(s.ExpiresAt) {
		delete(r.sessions, id)
		return Session{}, ErrSessionNotFound
	}
	if !s.Terminated {
		s.ExpiresAt = now.Add(r.ttl)
		r.sessions[id] = s
	}
	return s, nil
}

func (r *MemoryRegistry) Expire(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[id]
	if !ok || !now.Before(s.ExpiresAt) {
		delete(r.sessions, id)
		return ErrSessionNotFound
	}
	s.Terminated = true
	s.ExpiresAt = now.Add(r.ttl)
	r.sessions[id] = s
	return nil
}

// Len reports how many sessions, tombstones included, are held.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *MemoryRegistry) pruneLocked(now time.Time) {
	for id, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.sessions, id)
		}
	}
}
