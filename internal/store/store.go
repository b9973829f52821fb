// Package store is the persistence boundary of the relay: API keys, demo
// sessions and their payloads. It holds no business rules beyond the
// conditional updates that make state transitions atomic.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lgulliver/masterbase/pkg/types"
)

var (
	// ErrRecordNotFound is returned when a lookup matches nothing
	ErrRecordNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with a primary or unique key
	ErrDuplicate = errors.New("duplicate record")
	// ErrActiveSessionExists is returned when an insert would give an API key
	// a second active session
	ErrActiveSessionExists = errors.New("api key already has an active session")
)

// CloseParams carries the fields written when a session transitions to closed
type CloseParams struct {
	EndTime time.Time
	// Payload is attached when non-nil. An empty non-nil slice records an empty demo.
	Payload []byte
	Failed  bool
}

// Store is the persistence interface used by the guard, registry and router
type Store interface {
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	APIKeyByIdentity(ctx context.Context, steamID string) (*types.APIKey, error)
	APIKeyExists(ctx context.Context, apiKey string) (bool, error)
	IdentityForKey(ctx context.Context, apiKey string) (string, error)
	IsAnalyst(ctx context.Context, steamID string) (bool, error)

	CreateSession(ctx context.Context, session *types.DemoSession) error
	GetSession(ctx context.Context, sessionID string) (*types.DemoSession, error)
	ActiveSession(ctx context.Context, apiKey string) (*types.DemoSession, error)
	HasActiveSession(ctx context.Context, apiKey, sessionID string) (bool, error)
	SessionOwnedBy(ctx context.Context, apiKey, sessionID string) (bool, error)
	CloseSession(ctx context.Context, apiKey, sessionID string, params CloseParams) (bool, error)

	LatestClosedSession(ctx context.Context, apiKey string) (*types.DemoSession, error)
	SetLateBytes(ctx context.Context, sessionID string, lateBytes []byte) error
	ListClosedSessions(ctx context.Context, limit, offset int) ([]*ClosedSession, error)
}

// ClosedSession is a finished session joined with its owner's identity
type ClosedSession struct {
	SteamID   string
	SessionID string
	DemoName  string
	Map       string
	StartTime time.Time
	EndTime   *time.Time
	DemoSize  int64
}
