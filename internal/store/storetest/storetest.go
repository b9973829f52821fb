// Package storetest provides an in-memory SQLite database for tests.
package storetest

import (
	"testing"
	"time"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory database. A single connection is used so
// every goroutine in a test sees the same database.
func NewDB(t testing.TB) *common.Database {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	database := &common.Database{DB: db}
	require.NoError(t, database.Migrate())

	t.Cleanup(func() { _ = database.Close() })
	return database
}

// SeedAPIKey inserts an API key for steamID
func SeedAPIKey(t testing.TB, db *common.Database, steamID, key string) {
	t.Helper()
	require.NoError(t, db.Create(&types.APIKey{SteamID: steamID, Key: key}).Error)
}

// SeedAnalyst marks steamID as an analyst
func SeedAnalyst(t testing.TB, db *common.Database, steamID string) {
	t.Helper()
	require.NoError(t, db.Create(&types.Analyst{SteamID: steamID}).Error)
}

// SeedSession inserts a session row directly
func SeedSession(t testing.TB, db *common.Database, apiKey, sessionID string, active bool) *types.DemoSession {
	t.Helper()

	now := time.Now().UTC()
	session := &types.DemoSession{
		SessionID: sessionID,
		APIKey:    apiKey,
		Active:    active,
		StartTime: now,
		FakeIP:    "1.2.3.4",
		Map:       "de_dust2",
	}
	if !active {
		end := now
		session.EndTime = &end
	}
	require.NoError(t, db.Create(session).Error)
	return session
}
