//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lgulliver/masterbase/pkg/types"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*GormStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "demos",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=demos sslmode=disable", host, port.Port())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	database := &common.Database{DB: db}
	require.NoError(t, database.Migrate())

	cleanup := func() {
		_ = database.Close()
		_ = container.Terminate(ctx)
	}

	return NewGormStore(database), cleanup
}

func TestIntegration_SessionConstraints(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	require.NoError(t, s.CreateAPIKey(ctx, &types.APIKey{SteamID: "1", Key: "K1"}))

	session := func(id string) *types.DemoSession {
		return &types.DemoSession{SessionID: id, APIKey: "K1", Active: true, StartTime: time.Now().UTC(), FakeIP: "1.2.3.4", Map: "cp_badlands"}
	}

	require.NoError(t, s.CreateSession(ctx, session("1000")))

	t.Run("single active index maps to ErrActiveSessionExists", func(t *testing.T) {
		err := s.CreateSession(ctx, session("1001"))
		assert.ErrorIs(t, err, ErrActiveSessionExists)
	})

	t.Run("primary key collision maps to ErrDuplicate", func(t *testing.T) {
		closed, err := s.CloseSession(ctx, "K1", "1000", CloseParams{EndTime: time.Now().UTC(), Payload: []byte("demo")})
		require.NoError(t, err)
		require.True(t, closed)

		err = s.CreateSession(ctx, session("1000"))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("payload round trips through bytea", func(t *testing.T) {
		got, err := s.GetSession(ctx, "1000")
		require.NoError(t, err)
		assert.Equal(t, []byte("demo"), got.Demo)
		assert.False(t, got.Active)
	})
}
