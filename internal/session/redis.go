package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kapublish:session:"

// RedisRegistry shares sessions between api replicas. Expiry is Redis TTL.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry connects to url (redis://...) and verifies it with a ping.
func NewRedisRegistry(ctx context.Context, url string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect redis")
	}

	return &RedisRegistry{client: client, ttl: ttl, now: time.Now}, nil
}

func (r *RedisRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func key(id string) string { return keyPrefix + id }

func (r *RedisRegistry) Create(ctx context.Context) (Session, error) {
	now := r.now().UTC()
	s := Session{ID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(r.ttl)}

	if err := r.put(ctx, s); err != nil {
		return Session{}, errors.Wrap(err, "create session")
	}
	return s, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, id string) (Session, error) {
	s, err := r.get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Terminated {
		return s, nil
	}

	s.ExpiresAt = r.now().UTC().Add(r.ttl)
	if err := r.client.Expire(ctx, key(id), r.ttl).Err(); err != nil {
		return Session{}, errors.Wrapf(err, "refresh session %s", id)
	}
	return s, nil
}

func (r *RedisRegistry) Expire(ctx context.Context, id string) error {
	s, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	s.Terminated = true
	s.ExpiresAt = r.now().UTC().Add(r.ttl)
	return errors.Wrapf(r.put(ctx, s), "expire session %s", id)
}

func (r *RedisRegistry) get(ctx context.Context, id string) (Session, error) {
	raw, err := r.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, errors.Wrapf(err, "read session %s", id)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, errors.Wrapf(err, "decode session %s", id)
	}
	return s, nil
}

func (r *RedisRegistry) put(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key(s.ID), raw, r.ttl).Err()
}
