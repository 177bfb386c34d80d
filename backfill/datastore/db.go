package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	// sqlite3 driver registration
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const driverNameSQLite = "sqlite3"

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Handler represents a database connection handler.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	PingContext(ctx context.Context) error
	Close() error
	Dialect() Dialect
	Address() string
}

// Transactor represents a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// DB implements Handler.
type DB struct {
	*sql.DB
	DSN     *DSN
	dialect Dialect
}

// NewDB wraps an already open database handle. Mostly useful for tests where the handle comes from sqlmock.
func NewDB(db *sql.DB, dialect Dialect, dsn *DSN) *DB {
	return &DB{DB: db, DSN: dsn, dialect: dialect}
}

// BeginTx wraps sql.DB.BeginTx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx}, nil
}

// Dialect returns the SQL dialect spoken by the database.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Address returns the database host network address.
func (db *DB) Address() string {
	if db.DSN == nil {
		return ""
	}
	return db.DSN.Address()
}

// Tx implements Transactor.
type Tx struct {
	*sql.Tx
}

// DSN represents the Data Source Name parameters for a PostgreSQL connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds a key/value connection string for libpq-compatible drivers, escaping spaces and quotes.
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if len(param.v) == 0 {
			continue
		}

		param.v = strings.ReplaceAll(param.v, "'", `\'`)
		param.v = strings.ReplaceAll(param.v, " ", `\ `)

		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return net.JoinHostPort(dsn.Host, strconv.Itoa(dsn.Port))
}

// PoolConfig represents the configuration of a database connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

type opts struct {
	logger *logrus.Entry
	pool   *PoolConfig
}

// Option is used to configure the database connections.
type Option func(*opts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l *logrus.Entry) Option {
	return func(opts *opts) {
		opts.logger = l
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) Option {
	return func(opts *opts) {
		opts.pool = c
	}
}

var defaultLogger = logrus.New()

func init() {
	defaultLogger.SetOutput(io.Discard)
}

func applyOptions(input []Option) opts {
	config := opts{
		logger: logrus.NewEntry(defaultLogger),
		pool:   &PoolConfig{},
	}

	for _, v := range input {
		v(&config)
	}

	return config
}

func configurePool(db *sql.DB, pool *PoolConfig) {
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetConnMaxIdleTime(pool.MaxIdleTime)
}

// Open opens a PostgreSQL database connection through the pgx stdlib driver and verifies it.
func Open(ctx context.Context, dsn *DSN, opts ...Option) (*DB, error) {
	config := applyOptions(opts)

	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	db := stdlib.OpenDB(*pgxConfig)
	configurePool(db, config.pool)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	config.logger.WithField("address", dsn.Address()).Info("opened database connection")

	return NewDB(db, Postgres, dsn), nil
}

// OpenSQLite opens a SQLite database at path. The pool is capped to a single connection unless configured otherwise,
// which keeps in-memory databases consistent across queries.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*DB, error) {
	config := applyOptions(opts)

	db, err := sql.Open(driverNameSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	pool := *config.pool
	if pool.MaxOpen == 0 {
		pool.MaxOpen = 1
	}
	configurePool(db, &pool)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	config.logger.WithField("path", path).Info("opened database connection")

	return NewDB(db, SQLite, nil), nil
}
