// Package sqlite is the reference embedded adapter: capability.LocalStore,
// capability.KeyValueStore, and engine.BaselineStore/HistoryRecorder
// backed by the modernc pure-Go SQLite driver (no CGO). Connection
// opening, GORM's zap logging bridge, and embedded golang-migrate
// migrations are grounded in server/internal/db/db.go, narrowed to
// sqlite only — the engine is local-first, and postgres is store/rest's
// concern as the remote backend.
//
// Entity tables (and the other caller-named tables accessed only through
// capability.LocalStore — sync_queue, offline_credentials,
// offline_session, single_user_config, trusted_devices) have no schema
// known at compile time, since config.TableConfig defines the table set
// at runtime. GORM's struct-mapping layer assumes fixed Go types, so it
// is used here only for opening the connection; the embedded migrations
// of the few genuinely fixed system tables (key_value, field_baseline,
// conflict_history) run through golang-migrate on the underlying
// *sql.DB, and row CRUD for caller-named tables
// goes through database/sql directly against a lazily created
// id/user_id/updated_at/deleted/data(JSON) shape — the UUIDv7
// base/softDelete convention of server/internal/db/models.go generalized
// to a schema that is not known until the table is first written.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself
	// as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open the local database.
type Config struct {
	// Path is the sqlite file path, or ":memory:"/"file::memory:?cache=shared"
	// for an ephemeral store (tests only).
	Path     string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store is the reference capability.LocalStore implementation. It also
// implements engine.BaselineStore and engine.HistoryRecorder directly
// (see baseline.go); capability.KeyValueStore is implemented by the
// separate KVStore type sharing the same connection (see keyvalue.go) —
// LocalStore and KeyValueStore both declare a method named Get with
// different signatures, so one Go type cannot satisfy both.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger

	tablesMu sync.Mutex
	known    map[string]bool
}

// New opens the database, applies pending migrations for the fixed
// system tables, and returns a ready-to-use Store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlite: logger is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("sqlite: migrations failed: %w", err)
	}

	return &Store{
		db:     database,
		sqlDB:  sqlDB,
		logger: cfg.Logger.Named("sqlite"),
		known:  make(map[string]bool),
	}, nil
}

// WaitReady satisfies capability.LocalStore. New already blocks until the
// database is open and migrated, so this only verifies the connection
// survived since then.
func (s *Store) WaitReady(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Info("local database migrations applied successfully")
	return nil
}
