package db

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across processes sharing
// one database.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock. It blocks until
	// the lock is acquired or ctx is done.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a locking strategy for the connection's dialect.
// PostgreSQL uses a session advisory lock; SQLite and MySQL insert a row into
// the migration_lock table and treat a duplicate key as "held".
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return noopMigrationLock{}
	}
	if db.Dialector.Name() == TypePostgres {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("data-catalog-migration"))),
		}
	}
	return &tableMigrationLock{
		db:            db,
		retryInterval: 500 * time.Millisecond,
		staleAge:      5 * time.Minute,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks are per session, so pin one connection for the
	// lock, the migration and the unlock.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

// migrationLockRecord is the single row held while a migration runs.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;size:64"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;size:255"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

type tableMigrationLock struct {
	db            *gorm.DB
	retryInterval time.Duration
	staleAge      time.Duration
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	db := l.db.WithContext(ctx)
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return fmt.Errorf("create migration lock table: %w", err)
	}

	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}
	holder = fmt.Sprintf("%s/%d", holder, os.Getpid())

	for {
		// A crashed holder leaves its row behind; reclaim it once stale.
		db.Where("id = ? AND locked_at < ?", "migration", time.Now().Add(-l.staleAge)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: "migration", LockedAt: time.Now(), LockedBy: holder}
		err := db.Create(&row).Error
		if err == nil {
			break
		}
		if !IsUniqueViolation(err) {
			return fmt.Errorf("acquire migration lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire migration lock: %w", ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}

	defer l.db.Where("id = ?", "migration").Delete(&migrationLockRecord{})

	return fn()
}
