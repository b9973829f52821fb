package store

import (
	"context"
	"testing"
	"time"

	"github.com/lgulliver/masterbase/internal/store/storetest"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*GormStore, context.Context) {
	db := storetest.NewDB(t)
	storetest.SeedAPIKey(t, db, "76561198000000001", "K1")
	storetest.SeedAPIKey(t, db, "76561198000000002", "K2")
	storetest.SeedAnalyst(t, db, "76561198000000002")
	return NewGormStore(db), context.Background()
}

func newSession(apiKey, sessionID string) *types.DemoSession {
	return &types.DemoSession{
		SessionID: sessionID,
		APIKey:    apiKey,
		Active:    true,
		StartTime: time.Now().UTC(),
		FakeIP:    "1.2.3.4",
		Map:       "de_dust2",
	}
}

func TestGormStore_APIKeys(t *testing.T) {
	s, ctx := setupTestStore(t)

	exists, err := s.APIKeyExists(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.APIKeyExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	steamID, err := s.IdentityForKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "76561198000000001", steamID)

	_, err = s.IdentityForKey(ctx, "nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	key, err := s.APIKeyByIdentity(ctx, "76561198000000002")
	require.NoError(t, err)
	assert.Equal(t, "K2", key.Key)

	_, err = s.APIKeyByIdentity(ctx, "unknown")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestGormStore_CreateAPIKey_Duplicate(t *testing.T) {
	s, ctx := setupTestStore(t)

	err := s.CreateAPIKey(ctx, &types.APIKey{SteamID: "76561198000000001", Key: "K3"})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.CreateAPIKey(ctx, &types.APIKey{SteamID: "76561198000000003", Key: "K3"}))
}

func TestGormStore_IsAnalyst(t *testing.T) {
	s, ctx := setupTestStore(t)

	ok, err := s.IsAnalyst(ctx, "76561198000000002")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsAnalyst(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormStore_CreateSession(t *testing.T) {
	s, ctx := setupTestStore(t)

	require.NoError(t, s.CreateSession(ctx, newSession("K1", "100")))

	t.Run("duplicate session id", func(t *testing.T) {
		err := s.CreateSession(ctx, newSession("K2", "100"))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("second active session for the same key", func(t *testing.T) {
		err := s.CreateSession(ctx, newSession("K1", "101"))
		assert.ErrorIs(t, err, ErrActiveSessionExists)
	})

	t.Run("closed sessions do not count", func(t *testing.T) {
		closed, err := s.CloseSession(ctx, "K1", "100", CloseParams{EndTime: time.Now().UTC()})
		require.NoError(t, err)
		require.True(t, closed)

		require.NoError(t, s.CreateSession(ctx, newSession("K1", "102")))
	})
}

func TestGormStore_HasActiveSession(t *testing.T) {
	s, ctx := setupTestStore(t)
	require.NoError(t, s.CreateSession(ctx, newSession("K1", "200")))

	tests := []struct {
		name      string
		apiKey    string
		sessionID string
		want      bool
	}{
		{"any session", "K1", "", true},
		{"matching session", "K1", "200", true},
		{"other session", "K1", "201", false},
		{"other key", "K2", "", false},
		{"other key same session", "K2", "200", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.HasActiveSession(ctx, tt.apiKey, tt.sessionID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGormStore_CloseSession(t *testing.T) {
	s, ctx := setupTestStore(t)
	require.NoError(t, s.CreateSession(ctx, newSession("K1", "300")))

	end := time.Now().UTC()

	closed, err := s.CloseSession(ctx, "K2", "300", CloseParams{EndTime: end})
	require.NoError(t, err)
	assert.False(t, closed, "wrong owner must not close")

	closed, err = s.CloseSession(ctx, "K1", "300", CloseParams{EndTime: end, Payload: []byte("AAAABBBB")})
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseSession(ctx, "K1", "300", CloseParams{EndTime: end.Add(time.Minute), Payload: []byte("other")})
	require.NoError(t, err)
	assert.False(t, closed)

	session, err := s.GetSession(ctx, "300")
	require.NoError(t, err)
	assert.False(t, session.Active)
	require.NotNil(t, session.EndTime)
	assert.WithinDuration(t, end, *session.EndTime, time.Second)
	assert.Equal(t, []byte("AAAABBBB"), session.Demo)
	assert.Equal(t, int64(8), session.DemoSize)
	assert.False(t, session.UploadFailed)

	owned, err := s.SessionOwnedBy(ctx, "K1", "300")
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = s.SessionOwnedBy(ctx, "K2", "300")
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestGormStore_CloseSession_FailureMarker(t *testing.T) {
	s, ctx := setupTestStore(t)
	require.NoError(t, s.CreateSession(ctx, newSession("K1", "400")))

	closed, err := s.CloseSession(ctx, "K1", "400", CloseParams{EndTime: time.Now().UTC(), Payload: []byte("AA"), Failed: true})
	require.NoError(t, err)
	assert.True(t, closed)

	session, err := s.GetSession(ctx, "400")
	require.NoError(t, err)
	assert.True(t, session.UploadFailed)
	assert.Equal(t, []byte("AA"), session.Demo)
}

func TestGormStore_LateBytes(t *testing.T) {
	s, ctx := setupTestStore(t)

	_, err := s.LatestClosedSession(ctx, "K1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.CreateSession(ctx, newSession("K1", "500")))
	_, err = s.CloseSession(ctx, "K1", "500", CloseParams{EndTime: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, newSession("K1", "501")))
	_, err = s.CloseSession(ctx, "K1", "501", CloseParams{EndTime: time.Now().UTC()})
	require.NoError(t, err)

	latest, err := s.LatestClosedSession(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "501", latest.SessionID)

	require.NoError(t, s.SetLateBytes(ctx, "501", []byte{1, 2, 3}))
	session, err := s.GetSession(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, session.LateBytes)

	assert.ErrorIs(t, s.SetLateBytes(ctx, "missing", []byte{1}), ErrRecordNotFound)
}

func TestGormStore_ListClosedSessions(t *testing.T) {
	s, ctx := setupTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"600", "601", "602"} {
		require.NoError(t, s.CreateSession(ctx, newSession("K1", id)))
		_, err := s.CloseSession(ctx, "K1", id, CloseParams{EndTime: base.Add(time.Duration(i) * time.Minute), Payload: []byte(id)})
		require.NoError(t, err)
	}
	require.NoError(t, s.CreateSession(ctx, newSession("K2", "700")))

	rows, err := s.ListClosedSessions(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "602", rows[0].SessionID)
	assert.Equal(t, "601", rows[1].SessionID)
	assert.Equal(t, "76561198000000001", rows[0].SteamID)
	assert.Equal(t, int64(3), rows[0].DemoSize)

	rows, err = s.ListClosedSessions(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "600", rows[0].SessionID)
}

func TestGormStore_ActiveSession(t *testing.T) {
	s, ctx := setupTestStore(t)

	_, err := s.ActiveSession(ctx, "K1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.CreateSession(ctx, newSession("K1", "700")))

	session, err := s.ActiveSession(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "700", session.SessionID)

	_, err = s.ActiveSession(ctx, "K2")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
