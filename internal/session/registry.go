// Package session owns the lifecycle of demo sessions: opening a session for
// an API key and moving it, exactly once, from active to closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/guard"
	"github.com/lgulliver/masterbase/internal/store"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/lgulliver/masterbase/pkg/utils"
	"github.com/rs/zerolog/log"
)

const maxIDAttempts = 5

// Registry is the authoritative record of which sessions are active
type Registry struct {
	store        store.Store
	guard        *guard.Guard
	keyLocks     *common.KeyedMutex
	sessionLocks *common.KeyedMutex

	now   func() time.Time
	newID func() string
}

// NewRegistry creates a session registry
func NewRegistry(st store.Store, g *guard.Guard) *Registry {
	return &Registry{
		store:        st,
		guard:        g,
		keyLocks:     common.NewKeyedMutex(),
		sessionLocks: common.NewKeyedMutex(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        utils.GenerateUUIDInt,
	}
}

// OpenSession creates a new active session for apiKey and returns its id.
// Callers are expected to have checked the key already; the single-active
// check is repeated under the per-key lock so concurrent opens for one key
// cannot both succeed.
func (r *Registry) OpenSession(ctx context.Context, apiKey string, meta types.SessionMetadata) (string, error) {
	unlock := r.keyLocks.Lock(apiKey)
	defer unlock()

	if err := r.guard.RequireNotActive(ctx, apiKey); err != nil {
		return "", err
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		now := r.now()
		session := &types.DemoSession{
			SessionID: r.newID(),
			APIKey:    apiKey,
			Active:    true,
			StartTime: now,
			DemoName:  meta.DemoName,
			FakeIP:    meta.FakeIP,
			Map:       meta.Map,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := r.store.CreateSession(ctx, session)
		switch {
		case err == nil:
			log.Info().
				Str("session_id", session.SessionID).
				Str("map", meta.Map).
				Msg("opened demo session")
			return session.SessionID, nil
		case errors.Is(err, store.ErrActiveSessionExists):
			return "", fmt.Errorf("%w: user already in a session", common.ErrConflict)
		case errors.Is(err, store.ErrDuplicate):
			log.Warn().Int("attempt", attempt).Msg("session id collision, regenerating")
			continue
		default:
			return "", err
		}
	}

	return "", fmt.Errorf("failed to allocate a unique session id after %d attempts", maxIDAttempts)
}

// CloseSession moves the session to closed and attaches payload when it is
// non-nil. The first call returns true; later calls return false and change
// nothing.
func (r *Registry) CloseSession(ctx context.Context, apiKey, sessionID string, payload []byte) (bool, error) {
	return r.close(ctx, apiKey, sessionID, store.CloseParams{Payload: payload})
}

// MarkFailed closes the session like CloseSession and flags the upload as
// failed. It is used when the sink broke mid-stream.
func (r *Registry) MarkFailed(ctx context.Context, apiKey, sessionID string, partial []byte) (bool, error) {
	if partial == nil {
		partial = []byte{}
	}
	return r.close(ctx, apiKey, sessionID, store.CloseParams{Payload: partial, Failed: true})
}

func (r *Registry) close(ctx context.Context, apiKey, sessionID string, params store.CloseParams) (bool, error) {
	unlock := r.sessionLocks.Lock(sessionID)
	defer unlock()

	params.EndTime = r.now()
	closed, err := r.store.CloseSession(ctx, apiKey, sessionID, params)
	if err != nil {
		return false, err
	}

	if closed {
		log.Info().
			Str("session_id", sessionID).
			Int("payload_bytes", len(params.Payload)).
			Bool("upload_failed", params.Failed).
			Msg("closed demo session")
	} else {
		log.Debug().Str("session_id", sessionID).Msg("session already closed")
	}
	return closed, nil
}

// ActiveSessionID returns the id of apiKey's active session
func (r *Registry) ActiveSessionID(ctx context.Context, apiKey string) (string, error) {
	session, err := r.store.ActiveSession(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: no active session, create one at `/session_id`", common.ErrNotFound)
		}
		return "", err
	}
	return session.SessionID, nil
}

// IsActive reports whether apiKey has an active session. When sessionID is
// empty any active session counts.
func (r *Registry) IsActive(ctx context.Context, apiKey, sessionID string) (bool, error) {
	return r.store.HasActiveSession(ctx, apiKey, sessionID)
}
