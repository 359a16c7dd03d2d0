package database

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Each migration is a directory named <version>_<description> holding an
// up.sql and a down.sql.
//
//go:embed migrations/*/up.sql migrations/*/down.sql
var migrationsFS embed.FS

type SchemaVersion uint64

type SchemaMigration struct {
	Version SchemaVersion `gorm:"primaryKey"`
}

func CurrentSchemaVersion(db *gorm.DB) SchemaVersion {
	var version uint64
	db.Model(&SchemaMigration{}).Select("COALESCE(MAX(version), 0)").Scan(&version)
	return SchemaVersion(version)
}

type Migration struct {
	Version SchemaVersion
	Name    string
	upSQL   string
	downSQL string
}

func (migration Migration) Up(db *gorm.DB) error {
	return db.Exec(migration.upSQL).Error
}

func (migration Migration) Down(db *gorm.DB) error {
	return db.Exec(migration.downSQL).Error
}

var embeddedMigrations = sync.OnceValues(func() ([]Migration, error) {
	return readMigrations(migrationsFS, "migrations")
})

// readMigrations parses every migration directory under root, ordered by
// version. Versions must be unique.
func readMigrations(fsys fs.FS, root string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		prefix, _, _ := strings.Cut(entry.Name(), "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil || version == 0 {
			return nil, fmt.Errorf("migration %q must be named <version>_<description> with a positive version", entry.Name())
		}

		up, err := fs.ReadFile(fsys, path.Join(root, entry.Name(), "up.sql"))
		if err != nil {
			return nil, fmt.Errorf("failed to read up.sql of %s: %w", entry.Name(), err)
		}
		down, err := fs.ReadFile(fsys, path.Join(root, entry.Name(), "down.sql"))
		if err != nil {
			return nil, fmt.Errorf("failed to read down.sql of %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: SchemaVersion(version),
			Name:    entry.Name(),
			upSQL:   string(up),
			downSQL: string(down),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return compareVersions(a.Version, b.Version)
	})
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", migrations[i-1].Name, migrations[i].Name, migrations[i].Version)
		}
	}

	return migrations, nil
}

func compareVersions(a, b SchemaVersion) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func MigrationsNewerThan(minVersion SchemaVersion) ([]Migration, error) {
	migrations, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range migrations {
		if migration.Version > minVersion {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate applies pending migrations. The ingestor and the gateway may start
// at the same time against one file: migrations use IF NOT EXISTS and the
// version insert ignores a row the other process already wrote.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	pending, err := MigrationsNewerThan(CurrentSchemaVersion(db))
	if err != nil {
		return err
	}

	for _, migration := range pending {
		err := db.Transaction(func(tx *gorm.DB) error {
			record := SchemaMigration{Version: migration.Version}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
				return err
			}
			return migration.Up(tx)
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
	}

	return nil
}

// Rollback reverts applied migrations newer than target, newest first.
func Rollback(db *gorm.DB, target SchemaVersion) error {
	applied, err := MigrationsNewerThan(target)
	if err != nil {
		return err
	}

	current := CurrentSchemaVersion(db)
	for i := len(applied) - 1; i >= 0; i-- {
		migration := applied[i]
		if migration.Version > current {
			continue
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Down(tx); err != nil {
				return err
			}
			return tx.Delete(&SchemaMigration{Version: migration.Version}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to revert migration %s: %w", migration.Name, err)
		}
	}

	return nil
}
