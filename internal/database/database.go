package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type DB struct {
	log     zerolog.Logger
	handler *gorm.DB
	ctx     context.Context
	cancel  func()

	Driver string
	DSN    string
}

func NewDB(cfg *domain.Config, log logger.Logger) (*DB, error) {
	db := &DB{
		log: log.With().Str("module", "database").Logger(),
	}
	db.ctx, db.cancel = context.WithCancel(context.Background())

	switch cfg.Database.Type {
	case "sqlite", "":
		db.Driver = "sqlite"
		db.DSN = dataSourceName(cfg.ConfigPath, "kura.db")
	case "postgres", "postgresql":
		pg := cfg.Database.Postgres
		if pg.Host == "" || pg.Port == 0 || pg.Database == "" {
			return nil, errors.New("postgres configuration is incomplete")
		}
		db.DSN = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.User, pg.Pass, pg.Database, pg.SslMode)
		db.Driver = "postgres"
	default:
		return nil, errors.New("unsupported database type: %v", cfg.Database.Type)
	}

	return db, nil
}

func (db *DB) Open() error {
	if db.DSN == "" {
		return errors.New("database DSN is required but not configured")
	}

	// sql drivers are the pure-go modernc sqlite and lib/pq, registered as
	// "sqlite" and "postgres"
	var dialector gorm.Dialector
	switch db.Driver {
	case "sqlite":
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: db.DSN})
		db.log.Info().Str("dsn", db.DSN).Msg("Using SQLite driver")
	case "postgres":
		dialector = postgres.New(postgres.Config{DriverName: "postgres", DSN: db.DSN})
		db.log.Info().Msg("Using PostgreSQL driver")
	default:
		return errors.New("unsupported database driver: %s", db.Driver)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: db.gormLogger()})
	if err != nil {
		db.log.Error().Err(err).Str("driver", db.Driver).Msg("Failed to connect database")
		return errors.Wrap(err, "failed to connect database")
	}

	if db.Driver == "sqlite" {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return errors.Wrap(err, "failed to get underlying *sql.DB")
		}
		// one writer at a time, and cache_stores upserts must not race
		sqlDB.SetMaxOpenConns(1)

		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL;",
			"PRAGMA busy_timeout = 5000;",
		} {
			if err := gormDB.Exec(pragma).Error; err != nil {
				_ = sqlDB.Close()
				return errors.Wrap(err, "could not set %s", pragma)
			}
		}
	}

	db.handler = gormDB
	db.log.Info().Msg("Database connection established successfully.")

	db.log.Debug().Msg("Running database auto-migrations...")
	if err := db.handler.AutoMigrate(&cacheStore{}, &cacheEntry{}, &offlineRequest{}); err != nil {
		db.log.Error().Err(err).Msg("Failed to run database auto-migrations")
		return errors.Wrap(err, "failed to run database auto-migrations")
	}

	return nil
}

// gormLogger routes gorm's own output through zerolog at the closest level.
func (db *DB) gormLogger() gormlogger.Interface {
	level := gormlogger.Silent
	switch db.log.GetLevel() {
	case zerolog.TraceLevel:
		level = gormlogger.Info
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel:
		level = gormlogger.Warn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		level = gormlogger.Error
	}

	return gormlogger.New(gormWriter{log: db.log}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Str("source", "gorm").Msgf(format, args...)
}

func (db *DB) Close() error {
	db.cancel()

	if db.handler == nil {
		return nil
	}

	sqlDB, err := db.handler.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}

	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "could not close database")
	}

	db.log.Info().Msg("Database service closed.")
	return nil
}

func (db *DB) Ping() error {
	if db.handler == nil {
		return errors.New("database handler is not initialized")
	}

	sqlDB, err := db.handler.DB()
	if err != nil {
		db.log.Error().Err(err).Msg("Failed to get underlying *sql.DB for ping")
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}

	if err := sqlDB.PingContext(db.ctx); err != nil {
		db.log.Warn().Err(err).Msg("Database ping failed")
		return errors.Wrap(err, "database ping failed")
	}

	return nil
}

// Get returns the gorm handle the repos query through.
func (db *DB) Get() *gorm.DB {
	return db.handler
}
