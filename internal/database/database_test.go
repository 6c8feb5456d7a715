package database

import (
	"context"
	"path"
	"testing"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(dbType string, configPath string) *domain.Config {
	return &domain.Config{
		ConfigPath: configPath,
		Database: domain.DatabaseConfig{
			Type: dbType,
			Postgres: domain.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Pass:     "pass",
				Database: "testdb",
				SslMode:  "disable",
			},
		},
	}
}

// setupTestDB opens a migrated sqlite database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(newTestConfig("sqlite", t.TempDir()), logger.Mock())
	require.NoError(t, err)
	require.NoError(t, db.Open())

	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	return db
}

func TestNewDB(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		dir := t.TempDir()
		db, err := NewDB(newTestConfig("sqlite", dir), logger.Mock())
		require.NoError(t, err)
		assert.Equal(t, "sqlite", db.Driver)
		assert.Equal(t, path.Join(dir, "kura.db"), db.DSN)
	})

	t.Run("postgres", func(t *testing.T) {
		cfg := newTestConfig("postgres", "")
		cfg.Database.Postgres = domain.PostgresConfig{
			Host: "pg_host", Port: 5433, User: "pg_user", Pass: "pg_pass", Database: "pg_db", SslMode: "require",
		}

		db, err := NewDB(cfg, logger.Mock())
		require.NoError(t, err)
		assert.Equal(t, "postgres", db.Driver)
		assert.Equal(t, "host=pg_host port=5433 user=pg_user password=pg_pass dbname=pg_db sslmode=require", db.DSN)
	})

	t.Run("postgres incomplete", func(t *testing.T) {
		cfg := newTestConfig("postgres", "")
		cfg.Database.Postgres.Host = ""

		_, err := NewDB(cfg, logger.Mock())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres configuration is incomplete")
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewDB(newTestConfig("mysql", ""), logger.Mock())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database type: mysql")
	})
}

func TestDB_Open(t *testing.T) {
	t.Run("migrates and pings", func(t *testing.T) {
		db := setupTestDB(t)
		assert.NoError(t, db.Ping())

		for _, table := range []string{"cache_stores", "cache_entries", "offline_requests"} {
			assert.True(t, db.Get().Migrator().HasTable(table), table)
		}
		assert.True(t, db.Get().Migrator().HasIndex(&offlineRequest{}, "RequestID"))
	})

	t.Run("reopen keeps rows", func(t *testing.T) {
		dir := t.TempDir()
		for i := 0; i < 2; i++ {
			db, err := NewDB(newTestConfig("sqlite", dir), logger.Mock())
			require.NoError(t, err)
			require.NoError(t, db.Open())

			if i == 0 {
				_, err = NewQueueRepo(logger.Mock(), db).Insert(context.Background(), domain.QueuedWrite{RequestID: "r1", URL: "/api/x", Method: "POST"})
				require.NoError(t, err)
			} else {
				n, err := NewQueueRepo(logger.Mock(), db).Count(context.Background())
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			}
			require.NoError(t, db.Close())
		}
	})

	t.Run("no dsn", func(t *testing.T) {
		db := &DB{log: logger.Mock().With().Logger(), Driver: "sqlite"}
		err := db.Open()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database DSN is required")
	})

	t.Run("unsupported driver", func(t *testing.T) {
		db := &DB{log: logger.Mock().With().Logger(), Driver: "oracle", DSN: "x"}
		err := db.Open()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver: oracle")
	})

	t.Run("ping before open", func(t *testing.T) {
		db := &DB{log: logger.Mock().With().Logger()}
		err := db.Ping()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database handler is not initialized")
	})
}
