package store

import (
	"context"
	"fmt"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/pkg/types"
)

// GormStore implements Store on top of GORM
type GormStore struct {
	db *common.Database
}

// NewGormStore creates a new GORM backed store
func NewGormStore(db *common.Database) *GormStore {
	return &GormStore{db: db}
}

// CreateAPIKey inserts a freshly minted API key
func (s *GormStore) CreateAPIKey(ctx context.Context, key *types.APIKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create API key: %w", mapError(err))
	}
	return nil
}

// APIKeyByIdentity returns the key provisioned for a Steam identity
func (s *GormStore) APIKeyByIdentity(ctx context.Context, steamID string) (*types.APIKey, error) {
	var key types.APIKey
	if err := s.db.WithContext(ctx).Where("steam_id = ?", steamID).First(&key).Error; err != nil {
		return nil, mapError(err)
	}
	return &key, nil
}

// APIKeyExists reports whether the key was ever issued
func (s *GormStore) APIKeyExists(ctx context.Context, apiKey string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&types.APIKey{}).Where("api_key = ?", apiKey).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up API key: %w", mapError(err))
	}
	return count > 0, nil
}

// IdentityForKey resolves the Steam identity owning an API key
func (s *GormStore) IdentityForKey(ctx context.Context, apiKey string) (string, error) {
	var key types.APIKey
	if err := s.db.WithContext(ctx).Select("steam_id").Where("api_key = ?", apiKey).First(&key).Error; err != nil {
		return "", mapError(err)
	}
	return key.SteamID, nil
}

// IsAnalyst reports whether the identity may read other players' demos
func (s *GormStore) IsAnalyst(ctx context.Context, steamID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Analyst{}).Where("steam_id = ?", steamID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up analyst: %w", mapError(err))
	}
	return count > 0, nil
}

// CreateSession inserts a new session row
func (s *GormStore) CreateSession(ctx context.Context, session *types.DemoSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", mapError(err))
	}
	return nil
}

// GetSession returns a session by id
func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*types.DemoSession, error) {
	var session types.DemoSession
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

// HasActiveSession reports whether apiKey has an active session. When
// sessionID is empty any active session counts.
func (s *GormStore) HasActiveSession(ctx context.Context, apiKey, sessionID string) (bool, error) {
	query := s.db.WithContext(ctx).Model(&types.DemoSession{}).Where("api_key = ? AND active = ?", apiKey, true)
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check active session: %w", mapError(err))
	}
	return count > 0, nil
}

// ActiveSession returns the active session of apiKey
func (s *GormStore) ActiveSession(ctx context.Context, apiKey string) (*types.DemoSession, error) {
	var session types.DemoSession
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND active = ?", apiKey, true).
		First(&session).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

// SessionOwnedBy reports whether sessionID exists and belongs to apiKey
func (s *GormStore) SessionOwnedBy(ctx context.Context, apiKey, sessionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.DemoSession{}).
		Where("api_key = ? AND session_id = ?", apiKey, sessionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check session owner: %w", mapError(err))
	}
	return count > 0, nil
}

// CloseSession flips an active session to closed. The update is conditional
// on active = true so only one of several racing closers changes the row;
// the return value reports whether this call was that one.
func (s *GormStore) CloseSession(ctx context.Context, apiKey, sessionID string, params CloseParams) (bool, error) {
	updates := map[string]interface{}{
		"active":     false,
		"end_time":   params.EndTime,
		"updated_at": params.EndTime,
	}
	if params.Payload != nil {
		updates["demo"] = params.Payload
		updates["demo_size"] = int64(len(params.Payload))
	}
	if params.Failed {
		updates["upload_failed"] = true
	}

	result := s.db.WithContext(ctx).Model(&types.DemoSession{}).
		Where("session_id = ? AND api_key = ? AND active = ?", sessionID, apiKey, true).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to close session: %w", mapError(result.Error))
	}

	return result.RowsAffected == 1, nil
}

// LatestClosedSession returns the most recently closed session of apiKey
func (s *GormStore) LatestClosedSession(ctx context.Context, apiKey string) (*types.DemoSession, error) {
	var session types.DemoSession
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND active = ?", apiKey, false).
		Order("end_time DESC").
		First(&session).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

// SetLateBytes stores the late bytes of a closed session
func (s *GormStore) SetLateBytes(ctx context.Context, sessionID string, lateBytes []byte) error {
	result := s.db.WithContext(ctx).Model(&types.DemoSession{}).
		Where("session_id = ?", sessionID).
		Update("late_bytes", lateBytes)
	if result.Error != nil {
		return fmt.Errorf("failed to set late bytes: %w", mapError(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListClosedSessions pages through finished sessions, newest first
func (s *GormStore) ListClosedSessions(ctx context.Context, limit, offset int) ([]*ClosedSession, error) {
	var rows []*ClosedSession
	err := s.db.WithContext(ctx).
		Table("demo_sessions").
		Select("api_keys.steam_id, demo_sessions.session_id, demo_sessions.demo_name, demo_sessions.map, " +
			"demo_sessions.start_time, demo_sessions.end_time, demo_sessions.demo_size").
		Joins("JOIN api_keys ON api_keys.api_key = demo_sessions.api_key").
		Where("demo_sessions.active = ?", false).
		Order("demo_sessions.end_time DESC, demo_sessions.session_id").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", mapError(err))
	}
	return rows, nil
}
