package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

//go:embed migrations
var migrationsFS embed.FS

// schemaVersion records one applied migration. A row stays dirty while its
// migration runs; a dirty row left behind blocks further migrations.
type schemaVersion struct {
	Version   uint      `gorm:"primaryKey;column:version;autoIncrement:false"`
	Dirty     bool      `gorm:"column:dirty;not null"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (schemaVersion) TableName() string { return "schema_versions" }

func migrationSource(dialect string) (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("load %s migrations: %w", dialect, err)
	}
	return src, nil
}

// Initialize creates the catalog schema in an empty database. It refuses
// to touch a database that already has tables.
func (m *Manager) Initialize(ctx context.Context) error {
	tables, err := m.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if len(tables) > 0 {
		return fmt.Errorf("%w: found %d tables", ErrDatabaseNotEmpty, len(tables))
	}
	_, err = m.Migrate(ctx)
	return err
}

// Migrate applies every embedded migration newer than the recorded schema
// version, holding the migration lock for the duration. It returns the
// number of migrations applied.
func (m *Manager) Migrate(ctx context.Context) (int, error) {
	src, err := migrationSource(m.Dialect())
	if err != nil {
		return 0, err
	}
	defer src.Close()

	applied := 0
	err = NewMigrationLocker(m.db).WithLock(ctx, func() error {
		db := m.db.WithContext(ctx)
		if err := db.AutoMigrate(&schemaVersion{}); err != nil {
			return fmt.Errorf("auto-migrate schema_versions: %w", err)
		}

		current, err := m.currentVersion(db)
		if err != nil {
			return err
		}

		version, err := src.First()
		for err == nil {
			if version > current {
				if err := m.applyMigration(db, src, version); err != nil {
					return err
				}
				applied++
			}
			version, err = src.Next(version)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read migration source: %w", err)
		}
		return nil
	})
	return applied, err
}

// SchemaVersion returns the newest applied migration version, or 0 when
// none has been applied.
func (m *Manager) SchemaVersion(ctx context.Context) (uint, error) {
	db := m.db.WithContext(ctx)
	if !db.Migrator().HasTable(&schemaVersion{}) {
		return 0, nil
	}
	return m.currentVersion(db)
}

func (m *Manager) currentVersion(db *gorm.DB) (uint, error) {
	var rows []schemaVersion
	if err := db.Order("version DESC").Limit(1).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if rows[0].Dirty {
		return 0, fmt.Errorf("%w: version %d", ErrDirtySchema, rows[0].Version)
	}
	return rows[0].Version, nil
}

func (m *Manager) applyMigration(db *gorm.DB, src source.Driver, version uint) error {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}
	body, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}

	// MySQL commits DDL implicitly, so the dirty marker is written first
	// and cleared only after the whole file ran.
	mark := schemaVersion{Version: version, Dirty: true, AppliedAt: time.Now().UTC()}
	if err := db.Create(&mark).Error; err != nil {
		return fmt.Errorf("mark migration %d: %w", version, err)
	}
	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Exec(string(body)).Error
	}); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", version, identifier, err)
	}
	if err := db.Model(&schemaVersion{}).Where("version = ?", version).Update("dirty", false).Error; err != nil {
		return fmt.Errorf("mark migration %d clean: %w", version, err)
	}

	m.logger.Info("applied migration", "version", version, "name", identifier)
	return nil
}
