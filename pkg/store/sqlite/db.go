// Package sqlite implements the store ports on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/store/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an open SQLite database shared by the event store, the read
// database and the checkpoint store. Writes are serialized.
type DB struct {
	db      *sql.DB
	writeMu sync.Mutex
}

type dbConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	busyTimeout  time.Duration
}

func defaultConfig() dbConfig {
	return dbConfig{
		dsn:          "eventcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		busyTimeout:  5 * time.Second,
	}
}

// Option configures Open.
type Option func(*dbConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *dbConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *dbConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *dbConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *dbConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. It has no effect on :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *dbConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on Open. Enabled by default.
func WithAutoMigrate(enabled bool) Option {
	return func(c *dbConfig) {
		c.autoMigrate = enabled
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *dbConfig) {
		c.busyTimeout = d
	}
}

// Open opens the database.
//
// Example usage:
//
//	// Defaults: eventcore.db, WAL mode, auto-migrate
//	db, err := sqlite.Open()
//
//	// In-memory database for tests
//	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
//
//	events := sqlite.NewEventStore(db)
//	views := sqlite.NewReadDatabase(db)
func Open(opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	sqlDB, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: gets its own database.
	if cfg.dsn == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		cfg.walMode = false
	} else {
		sqlDB.SetMaxOpenConns(cfg.maxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.maxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{db: sqlDB}
	if err := db.pragmas(cfg); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if cfg.autoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

func (d *DB) pragmas(cfg dbConfig) error {
	stmts := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if cfg.walMode {
		stmts = append(stmts, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	m := migrate.New(d.db, "schema_migrations", migrate.SQLite)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version.
func (d *DB) MigrationVersion(ctx context.Context) (int, error) {
	return migrate.New(d.db, "schema_migrations", migrate.SQLite).Version(ctx)
}

// SQL returns the underlying database handle.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// write runs fn in a transaction while holding the write lock.
func (d *DB) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
