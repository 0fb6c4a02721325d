package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlitePragmas are appended to every SQLite DSN. Foreign keys are off by
// default in SQLite and the catalog relies on ON DELETE CASCADE.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Manager owns the connection pool and runs transactions against it.
type Manager struct {
	db     *gorm.DB
	cfg    *Config
	logger *slog.Logger
}

// Open connects to the database described by cfg and sizes the pool.
func Open(cfg *Config, log *slog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	m, err := newManager(gdb, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("database opened", "type", cfg.Type, "max_open_conns", cfg.MaxOpenConns)
	return m, nil
}

// NewManager wraps an already opened gorm connection. Tests use it with
// sqlmock and temp-file SQLite databases.
func NewManager(gdb *gorm.DB, cfg *Config, log *slog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Type = gdb.Dialector.Name()
	}
	if log == nil {
		log = slog.Default()
	}
	return newManager(gdb, cfg, log)
}

func newManager(gdb *gorm.DB, cfg *Config, log *slog.Logger) (*Manager, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if gdb.Dialector.Name() == TypeSQLite {
		// SQLite allows a single writer; one connection avoids busy loops.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(min(cfg.MaxIdleConns, maxOpen))
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Manager{db: gdb, cfg: cfg, logger: log}, nil
}

func dialectorFor(cfg *Config) (gorm.Dialector, error) {
	switch cfg.Type {
	case TypeSQLite:
		dsn := cfg.DSN
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqlitePragmas
		} else {
			dsn += "?" + sqlitePragmas
		}
		return sqlite.Open(dsn), nil
	case TypePostgres:
		return postgres.Open(cfg.DSN), nil
	case TypeMySQL:
		return mysql.Open(cfg.DSN), nil
	}
	return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
}

// DB returns a session bound to ctx for reads outside a transaction.
func (m *Manager) DB(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx)
}

// Dialect returns the gorm dialector name: sqlite, postgres or mysql.
func (m *Manager) Dialect() string {
	return m.db.Dialector.Name()
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config {
	return m.cfg
}

// Ping checks that a pooled connection can reach the database.
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases every pooled connection.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// Transact runs fn inside a single transaction. The transaction commits
// when fn returns nil and rolls back when fn returns an error or panics.
// Acquiring the connection honours ctx and the configured TxTimeout.
func (m *Manager) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if m.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TxTimeout)
		defer cancel()
	}
	return m.db.WithContext(ctx).Transaction(fn)
}

// ReadSnapshot runs fn in a read-only transaction whose statements all see
// one snapshot, so a count and the page it describes agree. SQLite gets a
// plain deferred transaction, which already reads from a single snapshot.
func (m *Manager) ReadSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if m.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TxTimeout)
		defer cancel()
	}
	if m.cfg.Type == TypeSQLite {
		return m.db.WithContext(ctx).Transaction(fn)
	}
	return m.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
}

// TransactWithRetry runs fn like Transact and replays the whole transaction
// when it fails with a transient error. By default only serialization
// failures are retried; retryOn adds further predicates. After MaxRetries
// replays the last error is wrapped in ErrRetriesExhausted.
func (m *Manager) TransactWithRetry(ctx context.Context, fn func(tx *gorm.DB) error, retryOn ...func(error) bool) error {
	retryable := func(err error) bool {
		if IsSerializationFailure(err) {
			return true
		}
		for _, p := range retryOn {
			if p(err) {
				return true
			}
		}
		return false
	}

	backoff := m.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		err = m.Transact(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == m.cfg.MaxRetries {
			break
		}

		m.logger.Debug("retrying transaction", "attempt", attempt+1, "error", err)
		wait := backoff
		if backoff > 0 {
			wait = backoff/2 + rand.N(backoff/2+1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
}
