package datastore

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Dialect identifies the SQL flavour spoken by a database.
type Dialect string

const (
	// Postgres is the production dialect.
	Postgres Dialect = "postgres"
	// SQLite is used for local runs and end-to-end tests.
	SQLite Dialect = "sqlite"
)

// ParseDialect converts a configuration value into a Dialect. An empty value defaults to Postgres.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unknown database dialect %q", s)
}

func (d Dialect) defaultSchema() string {
	if d == SQLite {
		return "main"
	}
	return "public"
}

// SplitTable splits a possibly schema qualified table name. Unqualified names resolve to the dialect default schema.
func (d Dialect) SplitTable(name string) (schema, table string, err error) {
	s := strings.Split(name, ".")
	switch len(s) {
	case 1:
		return d.defaultSchema(), s[0], nil
	case 2:
		return s[0], s[1], nil
	}
	return "", "", fmt.Errorf("table must be in the format '[<schema>.]<table>': %q: %w", name, ErrUnknownTable)
}

// QuoteTable quotes every segment of a possibly schema qualified table name.
func (d Dialect) QuoteTable(name string) string {
	s := strings.Split(name, ".")
	for i := range s {
		s[i] = pq.QuoteIdentifier(s[i])
	}
	return strings.Join(s, ".")
}

// QuoteIdentifier quotes a column or alias name.
func (Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// SupportsStatementTimeout reports whether `SET LOCAL statement_timeout` is understood.
func (d Dialect) SupportsStatementTimeout() bool {
	return d == Postgres
}
