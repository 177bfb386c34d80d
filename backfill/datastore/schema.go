//go:generate mockgen -package mocks -destination mocks/schema.go . SchemaInspector

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/metrics"
)

// SchemaInspector validates table and column references against the database catalog.
type SchemaInspector interface {
	// ExistsTable reports whether a possibly schema qualified table exists.
	ExistsTable(ctx context.Context, table string) (bool, error)
	// ExistsColumn reports whether a column exists on a possibly schema qualified table.
	ExistsColumn(ctx context.Context, table, column string) (bool, error)
	// ValidateTableAndColumns asserts that the table and all columns exist. It returns ErrUnknownTable or
	// ErrUnknownColumn (wrapped with the offending name) otherwise.
	ValidateTableAndColumns(ctx context.Context, table string, columns ...string) error
}

// NewSchemaInspector builds a SchemaInspector for the given dialect.
func NewSchemaInspector(db Queryer, dialect Dialect) SchemaInspector {
	return &schemaInspector{db: db, dialect: dialect}
}

type schemaInspector struct {
	// db can be either a *sql.DB or *sql.Tx
	db      Queryer
	dialect Dialect
}

func (s *schemaInspector) ExistsTable(ctx context.Context, table string) (bool, error) {
	schema, name, err := s.dialect.SplitTable(table)
	if err != nil {
		return false, err
	}

	defer metrics.InstrumentQuery("backfill_exists_table")()

	var q string
	var args []any
	switch s.dialect {
	case SQLite:
		q = fmt.Sprintf(`SELECT
				EXISTS (
					SELECT
						1
					FROM
						%s.sqlite_master
					WHERE
						type = 'table'
						AND name = $1)`, s.dialect.QuoteIdentifier(schema))
		args = []any{name}
	default:
		q = `SELECT
				EXISTS (
					SELECT
						1
					FROM
						pg_tables
					WHERE
						schemaname = $1
						AND tablename = $2)`
		args = []any{schema, name}
	}

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&ok); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ok, nil
		}
		return ok, fmt.Errorf("validating table name: %w", err)
	}

	return ok, nil
}

func (s *schemaInspector) ExistsColumn(ctx context.Context, table, column string) (bool, error) {
	schema, name, err := s.dialect.SplitTable(table)
	if err != nil {
		return false, err
	}

	defer metrics.InstrumentQuery("backfill_exists_column")()

	var q string
	var args []any
	switch s.dialect {
	case SQLite:
		q = `SELECT
				EXISTS (
					SELECT
						1
					FROM
						pragma_table_info($1, $2)
					WHERE
						name = $3)`
		args = []any{name, schema, column}
	default:
		q = `SELECT
				EXISTS (
					SELECT
						1
					FROM
						information_schema.columns
					WHERE
						table_schema = $1
						AND table_name = $2
						AND column_name = $3)`
		args = []any{schema, name, column}
	}

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&ok); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ok, nil
		}
		return ok, fmt.Errorf("validating column name: %w", err)
	}

	return ok, nil
}

func (s *schemaInspector) ValidateTableAndColumns(ctx context.Context, table string, columns ...string) error {
	ok, err := s.ExistsTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	for _, c := range columns {
		ok, err = s.ExistsColumn(ctx, table, c)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, c)
		}
	}

	return nil
}
