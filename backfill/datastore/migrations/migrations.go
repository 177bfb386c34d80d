// Package migrations manages the schema objects owned by the backfill tool itself. Batch and source tables are owned
// by the application being backfilled and are never touched here.
package migrations

import (
	"database/sql"
	"fmt"
	"sort"

	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
)

// MigrationTableName is the table where applied migrations are recorded.
const MigrationTableName = "backfill_schema_migrations"

// Migration is a single schema migration.
type Migration struct {
	*migrate.Migration
}

var allMigrations []*Migration

func appendMigration(m *Migration) {
	allMigrations = append(allMigrations, m)
}

// All returns all known migrations, sorted by ID.
func All() []*Migration {
	all := make([]*Migration, len(allMigrations))
	copy(all, allMigrations)
	sort.Slice(all, func(i, j int) bool { return all[i].Id < all[j].Id })
	return all
}

// Migrator applies and rolls back migrations.
type Migrator struct {
	db      *sql.DB
	dialect string
	set     migrate.MigrationSet
	source  migrate.MigrationSource
}

// NewMigrator builds a Migrator for db speaking the given dialect.
func NewMigrator(db *sql.DB, dialect datastore.Dialect) *Migrator {
	var mm []*migrate.Migration
	for _, m := range All() {
		mm = append(mm, m.Migration)
	}

	return &Migrator{
		db:      db,
		dialect: migrateDialect(dialect),
		set:     migrate.MigrationSet{TableName: MigrationTableName},
		source:  &migrate.MemoryMigrationSource{Migrations: mm},
	}
}

func migrateDialect(d datastore.Dialect) string {
	if d == datastore.SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// Up applies all pending migrations and returns the number applied.
func (m *Migrator) Up() (int, error) {
	n, err := m.set.Exec(m.db, m.dialect, m.source, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("applying migrations: %w", err)
	}
	return n, nil
}

// Down rolls back all applied migrations and returns the number rolled back.
func (m *Migrator) Down() (int, error) {
	n, err := m.set.Exec(m.db, m.dialect, m.source, migrate.Down)
	if err != nil {
		return n, fmt.Errorf("rolling back migrations: %w", err)
	}
	return n, nil
}

// Applied returns the IDs of applied migrations.
func (m *Migrator) Applied() ([]string, error) {
	records, err := m.set.GetMigrationRecords(m.db, m.dialect)
	if err != nil {
		return nil, fmt.Errorf("reading migration records: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Id)
	}
	return ids, nil
}

// UpPlan returns the IDs of the migrations Up would apply, in order.
func (m *Migrator) UpPlan() ([]string, error) {
	return m.plan(migrate.Up)
}

// DownPlan returns the IDs of the migrations Down would roll back, in order.
func (m *Migrator) DownPlan() ([]string, error) {
	return m.plan(migrate.Down)
}

func (m *Migrator) plan(dir migrate.MigrationDirection) ([]string, error) {
	planned, _, err := m.set.PlanMigration(m.db, m.dialect, m.source, dir, 0)
	if err != nil {
		return nil, fmt.Errorf("planning migrations: %w", err)
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}
	return ids, nil
}
