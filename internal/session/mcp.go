package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const registryTimeout = 2 * time.Second

// MCPSessions lets the streamable HTTP transport keep its session ids in a
// Registry. The transport's interface has no context, so each call gets a
// short one of its own.
type MCPSessions struct {
	registry Registry
	log      *zap.SugaredLogger
}

var _ server.SessionIdManager = (*MCPSessions)(nil)

func NewMCPSessions(r Registry, log *zap.SugaredLogger) *MCPSessions {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MCPSessions{registry: r, log: log}
}

// Generate returns "" when the registry fails; the transport then serves the
// request without a session.
func (m *MCPSessions) Generate() string {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	s, err := m.registry.Create(ctx)
	if err != nil {
		m.log.Errorw("creating agent session failed", "error", err)
		return ""
	}
	m.log.Debugw("agent session created", "session_id", s.ID)
	return s.ID
}

func (m *MCPSessions) Validate(sessionID string) (isTerminated bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	s, err := m.registry.Lookup(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Terminated, nil
}

func (m *MCPSessions) Terminate(sessionID string) (isNotAllowed bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if err := m.registry.Expire(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, err
		}
		m.log.Warnw("terminating agent session failed", "session_id", sessionID, "error", err)
		return false, err
	}
	m.log.Debugw("agent session terminated", "session_id", sessionID)
	return false, nil
}
