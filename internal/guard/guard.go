// Package guard holds the authorization predicates that run before any
// session mutation. Every check is a read; none of them change state.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/store"
	"github.com/rs/zerolog/log"
)

const keyCacheTTL = 10 * time.Minute

// KeyCache remembers API keys that were found valid. Only positive results
// are cached, so a miss always falls through to the store.
type KeyCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Guard validates API keys and session state
type Guard struct {
	store store.Store
	cache KeyCache
}

// New creates a guard. cache may be nil.
func New(st store.Store, cache KeyCache) *Guard {
	return &Guard{store: st, cache: cache}
}

// RequireValidKey fails with ErrUnauthorized when apiKey was never issued
func (g *Guard) RequireValidKey(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("%w: missing api key", common.ErrUnauthorized)
	}

	cacheKey := "apikey:" + apiKey
	if g.cache != nil {
		var valid bool
		if err := g.cache.Get(ctx, cacheKey, &valid); err == nil && valid {
			return nil
		}
	}

	exists, err := g.store.APIKeyExists(ctx, apiKey)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: invalid api key", common.ErrUnauthorized)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, cacheKey, true, keyCacheTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache api key")
		}
	}
	return nil
}

// RequireNotActive fails with ErrConflict when apiKey already has an active session
func (g *Guard) RequireNotActive(ctx context.Context, apiKey string) error {
	active, err := g.store.HasActiveSession(ctx, apiKey, "")
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: user already in a session, either remember your session token or close it out at `/close_session`", common.ErrConflict)
	}
	return nil
}

// RequireActive fails unless sessionID belongs to apiKey and is active.
// An unknown pair is ErrNotFound; a known but closed session is ErrConflict.
func (g *Guard) RequireActive(ctx context.Context, apiKey, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: missing session id", common.ErrNotFound)
	}

	active, err := g.store.HasActiveSession(ctx, apiKey, sessionID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	if err := g.RequireOwned(ctx, apiKey, sessionID); err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is not active, create one at `/session_id`", common.ErrConflict, sessionID)
}

// RequireOwned fails with ErrNotFound unless sessionID exists for apiKey
func (g *Guard) RequireOwned(ctx context.Context, apiKey, sessionID string) error {
	owned, err := g.store.SessionOwnedBy(ctx, apiKey, sessionID)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: session %s", common.ErrNotFound, sessionID)
	}
	return nil
}

// RequireAnalyst fails with ErrForbidden unless the key's owner is an analyst
func (g *Guard) RequireAnalyst(ctx context.Context, apiKey string) error {
	steamID, err := g.store.IdentityForKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: invalid api key", common.ErrUnauthorized)
		}
		return err
	}

	analyst, err := g.store.IsAnalyst(ctx, steamID)
	if err != nil {
		return err
	}
	if !analyst {
		return fmt.Errorf("%w: analyst access required", common.ErrForbidden)
	}
	return nil
}
