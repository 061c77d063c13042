// Package session tracks agent transport sessions behind an explicit
// create/lookup/expire contract instead of a process-global map.
package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one agent transport session. A terminated session is kept as a
// tombstone for one TTL so late requests can be told it ended.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Terminated bool      `json:"terminated,omitempty"`
}

// Registry is implemented by the in-memory and Redis backends.
// Lookup slides the expiry of a live session forward by the TTL.
type Registry interface {
	Create(ctx context.Context) (Session, error)
	Lookup(ctx context.Context, id string) (Session, error)
	Expire(ctx context.Context, id string) error
}
