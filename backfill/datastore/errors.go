package datastore

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnknownColumn is returned when a column referenced in a job descriptor is unknown.
	ErrUnknownColumn = errors.New("unknown column reference in job descriptor")
	// ErrUnknownTable is returned when a table referenced in a job descriptor is unknown.
	ErrUnknownTable = errors.New("unknown table reference in job descriptor")
)

// ErrorClass groups database errors by how a caller should react to them.
type ErrorClass int

const (
	// ClassFatal errors must not be retried.
	ClassFatal ErrorClass = iota
	// ClassTransient errors are expected to go away when the same statement is retried later.
	ClassTransient
	// ClassConfiguration errors point at a schema mismatch, such as an unknown table or column.
	ClassConfiguration
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConfiguration:
		return "configuration"
	}
	return "fatal"
}

// Classify inspects a database error and reports its class. Postgres errors are recognized whether they come from
// pgx or lib/pq, SQLite errors through mattn/go-sqlite3.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrUnknownTable) || errors.Is(err, ErrUnknownColumn) {
		return ClassConfiguration
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgCode(pgErr.Code)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPgCode(string(pqErr.Code))
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr)
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassFatal
}

// IsTransient is a shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

func classifyPgCode(code string) ErrorClass {
	switch code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable,
		pgerrcode.QueryCanceled,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.TooManyConnections,
		pgerrcode.IdleInTransactionSessionTimeout:
		return ClassTransient
	case pgerrcode.UndefinedTable,
		pgerrcode.UndefinedColumn,
		pgerrcode.InvalidSchemaName:
		return ClassConfiguration
	}
	if pgerrcode.IsConnectionException(code) || pgerrcode.IsTransactionRollback(code) {
		return ClassTransient
	}
	return ClassFatal
}

func classifySQLite(err sqlite3.Error) ErrorClass {
	switch err.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return ClassTransient
	case sqlite3.ErrError:
		msg := err.Error()
		if strings.HasPrefix(msg, "no such table") || strings.HasPrefix(msg, "no such column") {
			return ClassConfiguration
		}
	}
	return ClassFatal
}
