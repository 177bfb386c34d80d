package configuration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Configuration is a versioned backfill configuration, intended to be provided by a yaml file, and optionally modified
// by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used in environment
// variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging subsystem.
	Log Log `yaml:"log,omitempty"`

	// Database is the connection to the database holding the tables to backfill.
	Database Database `yaml:"database"`

	// Redis configures the optional redis instance used for checkpoints and leases.
	Redis Redis `yaml:"redis,omitempty"`

	// Backfill configures the executor.
	Backfill Backfill `yaml:"backfill,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// Debug configures the debug server.
	Debug Debug `yaml:"debug,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// Level is the granularity at which backfill operations are logged. Options include "error", "warn", "info",
	// "debug" and "trace". The default is "info".
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
	Formatter logFormat `yaml:"formatter,omitempty"`

	// Output sets the output destination. Options include "stderr" and "stdout". The default is "stdout".
	Output logOutput `yaml:"output,omitempty"`

	// Fields allows users to specify static string fields to include in the logger context.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Database is the configuration for the database connection.
type Database struct {
	// Dialect is either "postgres" (default) or "sqlite".
	Dialect string `yaml:"dialect,omitempty"`
	// Path is the sqlite database file. Ignored for postgres.
	Path string `yaml:"path,omitempty"`
	// Host is the database server hostname
	Host string `yaml:"host,omitempty"`
	// Port is the database server port
	Port int `yaml:"port,omitempty"`
	// Username is the database username
	User string `yaml:"user,omitempty"`
	// Password is the database password
	Password string `yaml:"password,omitempty"`
	// Name is the database name
	DBName string `yaml:"dbname,omitempty"`
	// SSLMode is the SSL mode:
	// http://www.postgresql.cn/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode string `yaml:"sslmode,omitempty"`
	// SSLCert is the PEM encoded certificate file path.
	SSLCert string `yaml:"sslcert,omitempty"`
	// SSLKey is the PEM encoded key file path.
	SSLKey string `yaml:"sslkey,omitempty"`
	// SSLRootCert is the PEM encoded root certificate file path.
	SSLRootCert string `yaml:"sslrootcert,omitempty"`
	// Pool configures the behavior of the database connection pool.
	Pool DatabasePool `yaml:"pool,omitempty"`
	// Maximum time to wait for a connection. Zero or not specified means waiting indefinitely.
	ConnectTimeout time.Duration `yaml:"connecttimeout,omitempty"`
}

// DatabasePool configures the behavior of the database connection pool.
type DatabasePool struct {
	// MaxIdle sets the maximum number of connections in the idle connection pool. If MaxOpen is less than MaxIdle,
	// then MaxIdle is reduced to match the MaxOpen limit. Defaults to 0 (no idle connections).
	MaxIdle int `yaml:"maxidle,omitempty"`
	// MaxOpen sets the maximum number of open connections to the database. Defaults to 0 (unlimited).
	MaxOpen int `yaml:"maxopen,omitempty"`
	// MaxLifetime sets the maximum amount of time a connection may be reused. Defaults to 0 (unlimited).
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// MaxIdleTime is the maximum amount of time a connection may be idle. Defaults to 0 (unlimited).
	MaxIdleTime time.Duration `yaml:"maxidletime,omitempty"`
}

// IsSQLite reports whether the configured dialect is sqlite.
func (d Database) IsSQLite() bool {
	switch strings.ToLower(d.Dialect) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

// RedisTLS specifies settings for Redis TLS connections.
type RedisTLS struct {
	// Enabled enables TLS when connecting to the server.
	Enabled bool `yaml:"enabled,omitempty"`
	// Insecure disables server name verification when connecting over TLS.
	Insecure bool `yaml:"insecure,omitempty"`
}

// RedisPool configures the behavior of the redis connection pool.
type RedisPool struct {
	// Size is the maximum number of socket connections. Default is 10 connections.
	Size int `yaml:"size,omitempty"`
	// MaxLifetime is the connection age at which client retires a connection. Default is to not close aged
	// connections.
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// IdleTimeout sets the amount time to wait before closing inactive connections.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
}

// Redis configures the redis instance available to the backfill. It backs the checkpoint cache and the distributed
// range lease.
type Redis struct {
	// Enabled is a simple toggle for the Redis connection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Addr specifies the redis instance available to the application. For Sentinel, it should be a list of
	// addresses separated by commas.
	Addr string `yaml:"addr,omitempty"`
	// MainName specifies the main server name. Only for Sentinel connections.
	MainName string `yaml:"mainname,omitempty"`
	// Username string to connect as to the Redis instance or cluster.
	Username string `yaml:"username,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	// ReadTimeout is the timeout for reading data.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`
	// WriteTimeout is the timeout for writing data.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`
	// TLS specifies settings for TLS connections.
	TLS RedisTLS `yaml:"tls,omitempty"`
	// Pool configures the behavior of the redis connection pool.
	Pool RedisPool `yaml:"pool,omitempty"`
}

// Backfill configures how descriptors are loaded and executed.
type Backfill struct {
	// Jobs is the path to the descriptor registry file. Relative paths are resolved against the configuration file.
	Jobs string `yaml:"jobs"`
	// Parallel is the number of disjoint slices a single descriptor range is split into. Defaults to 1.
	Parallel int `yaml:"parallel,omitempty"`
	// MaxWindowAttempts is the number of times a window is tried before the run fails. Defaults to 3.
	MaxWindowAttempts int `yaml:"maxwindowattempts,omitempty"`
	// StatementTimeout bounds every window statement. Only applies to postgres. Zero disables it.
	StatementTimeout time.Duration `yaml:"statementtimeout,omitempty"`
	// Backoff configures the exponential backoff between attempts of the same window.
	Backoff BackfillBackoff `yaml:"backoff,omitempty"`
	// RateLimit caps the total window throughput of the process.
	RateLimit BackfillRateLimit `yaml:"ratelimit,omitempty"`
	// Checkpoints configures resume checkpoints.
	Checkpoints BackfillCheckpoints `yaml:"checkpoints,omitempty"`
	// Lease configures the distributed range lease.
	Lease BackfillLease `yaml:"lease,omitempty"`
}

// BackfillBackoff configures the window retry backoff.
type BackfillBackoff struct {
	// Initial is the first backoff interval. Defaults to 1s.
	Initial time.Duration `yaml:"initial,omitempty"`
	// Max is the maximum backoff interval. A randomized jitter factor of up to 33% is always added. Defaults to 30s.
	Max time.Duration `yaml:"max,omitempty"`
}

// BackfillRateLimit configures the shared window rate limiter.
type BackfillRateLimit struct {
	// Enabled turns on the limiter.
	Enabled bool `yaml:"enabled,omitempty"`
	// WindowsPerSecond is the sustained window rate across all executors of the process.
	WindowsPerSecond float64 `yaml:"windowspersecond,omitempty"`
	// Burst is the maximum number of windows admitted at once. Defaults to 1.
	Burst int `yaml:"burst,omitempty"`
}

// Checkpoint store kinds.
const (
	CheckpointStoreDatabase = "database"
	CheckpointStoreRedis    = "redis"
)

// BackfillCheckpoints configures resume checkpoints.
type BackfillCheckpoints struct {
	// Enabled turns on checkpoints.
	Enabled bool `yaml:"enabled,omitempty"`
	// Store is either "database" (default) or "redis".
	Store string `yaml:"store,omitempty"`
	// TTL is the expiry of redis checkpoints. Defaults to 7 days.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// BackfillLease configures the distributed range lease. Requires redis.
type BackfillLease struct {
	// Enabled turns on the lease.
	Enabled bool `yaml:"enabled,omitempty"`
	// TTL is the lease expiry. The lease is refreshed between windows. Defaults to 1m.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// Debug configures the debug server.
type Debug struct {
	// Addr specifies the bind address for the debug server. The server is not started when empty.
	Addr string `yaml:"addr,omitempty"`
	// Prometheus configures the Prometheus telemetry endpoint.
	Prometheus struct {
		Enabled bool   `yaml:"enabled,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"prometheus,omitempty"`
	// Health configures the database health check exposed on the debug server.
	Health struct {
		// Interval is the duration in between checks
		Interval time.Duration `yaml:"interval,omitempty"`
		// Timeout is the duration to wait before timing out the ping.
		Timeout time.Duration `yaml:"timeout,omitempty"`
	} `yaml:"health,omitempty"`
}

// Version is a major/minor version pair of the form Major.Minor
// Major version upgrades indicate structure or type changes
// Minor version upgrades should be strictly additive
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor components
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart, _, _ := strings.Cut(string(version), ".")
	var v uint
	if _, err := fmt.Sscanf(majorPart, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid major version %q: %w", majorPart, err)
	}
	return v, nil
}

func (version Version) minor() (uint, error) {
	_, minorPart, ok := strings.Cut(string(version), ".")
	if !ok {
		return 0, fmt.Errorf("version %q is not of the form major.minor", string(version))
	}
	var v uint
	if _, err := fmt.Sscanf(minorPart, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid minor version %q: %w", minorPart, err)
	}
	return v, nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent unsigned integers
func (version *Version) UnmarshalYAML(unmarshal func(any) error) error {
	var versionString string
	if err := unmarshal(&versionString); err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}
	if _, err := newVersion.minor(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged. This can be "error", "warn", "info", "debug" or "trace".
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

// String implements the Stringer interface for Loglevel.
func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", format, logFormats)
	}

	*ft = format
	return nil
}

// Parse parses an input configuration yaml document into a Configuration struct.
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of BACKFILL_ABC,
// Configuration.Abc.Xyz may be replaced by the value of BACKFILL_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := NewParser("backfill").Parse(in, config); err != nil {
		return nil, err
	}

	ApplyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

const (
	defaultParallel          = 1
	defaultMaxWindowAttempts = 3
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultRateLimitBurst    = 1
	defaultCheckpointTTL     = 7 * 24 * time.Hour
	defaultLeaseTTL          = time.Minute
	defaultRedisPoolSize     = 10
	defaultPrometheusPath    = "/metrics"
	defaultHealthInterval    = 10 * time.Second
	defaultHealthTimeout     = 2 * time.Second
)

// ApplyDefaults fills in every unset setting that has a default.
func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if config.Debug.Prometheus.Enabled && config.Debug.Prometheus.Path == "" {
		config.Debug.Prometheus.Path = defaultPrometheusPath
	}
	if config.Debug.Health.Interval == 0 {
		config.Debug.Health.Interval = defaultHealthInterval
	}
	if config.Debug.Health.Timeout == 0 {
		config.Debug.Health.Timeout = defaultHealthTimeout
	}
	if config.Redis.Addr != "" && config.Redis.Pool.Size == 0 {
		config.Redis.Pool.Size = defaultRedisPoolSize
	}

	b := &config.Backfill
	if b.Parallel == 0 {
		b.Parallel = defaultParallel
	}
	if b.MaxWindowAttempts == 0 {
		b.MaxWindowAttempts = defaultMaxWindowAttempts
	}
	if b.Backoff.Initial == 0 {
		b.Backoff.Initial = defaultBackoffInitial
	}
	if b.Backoff.Max == 0 {
		b.Backoff.Max = defaultBackoffMax
	}
	if b.RateLimit.Enabled && b.RateLimit.Burst == 0 {
		b.RateLimit.Burst = defaultRateLimitBurst
	}
	if b.Checkpoints.Enabled {
		if b.Checkpoints.Store == "" {
			b.Checkpoints.Store = CheckpointStoreDatabase
		}
		b.Checkpoints.Store = strings.ToLower(b.Checkpoints.Store)
		if b.Checkpoints.TTL == 0 {
			b.Checkpoints.TTL = defaultCheckpointTTL
		}
	}
	if b.Lease.Enabled && b.Lease.TTL == 0 {
		b.Lease.TTL = defaultLeaseTTL
	}
}

// Validate checks settings that cannot be expressed through types alone. All problems are reported at once.
func Validate(config *Configuration) error {
	var errs *multierror.Error

	switch strings.ToLower(config.Database.Dialect) {
	case "", "postgres", "postgresql":
		if config.Database.Host == "" {
			errs = multierror.Append(errs, errors.New("database.host is required for postgres"))
		}
	case "sqlite", "sqlite3":
		if config.Database.Path == "" {
			errs = multierror.Append(errs, errors.New("database.path is required for sqlite"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("database.dialect %q is not supported, must be one of \"postgres\" or \"sqlite\"", config.Database.Dialect))
	}

	b := config.Backfill
	if b.Jobs == "" {
		errs = multierror.Append(errs, errors.New("backfill.jobs is required"))
	}
	if b.Parallel < 1 {
		errs = multierror.Append(errs, fmt.Errorf("backfill.parallel must be greater than 0, got %d", b.Parallel))
	}
	if b.MaxWindowAttempts < 1 {
		errs = multierror.Append(errs, fmt.Errorf("backfill.maxwindowattempts must be greater than 0, got %d", b.MaxWindowAttempts))
	}
	if b.Backoff.Initial > b.Backoff.Max {
		errs = multierror.Append(errs, fmt.Errorf("backfill.backoff.initial (%s) must not exceed backfill.backoff.max (%s)", b.Backoff.Initial, b.Backoff.Max))
	}
	if b.StatementTimeout < 0 {
		errs = multierror.Append(errs, errors.New("backfill.statementtimeout must not be negative"))
	}
	if b.RateLimit.Enabled && b.RateLimit.WindowsPerSecond <= 0 {
		errs = multierror.Append(errs, errors.New("backfill.ratelimit.windowspersecond must be greater than 0"))
	}
	if b.Checkpoints.Enabled {
		switch b.Checkpoints.Store {
		case CheckpointStoreDatabase:
		case CheckpointStoreRedis:
			if !config.Redis.Enabled {
				errs = multierror.Append(errs, errors.New("backfill.checkpoints.store redis requires redis.enabled"))
			}
		default:
			errs = multierror.Append(errs, fmt.Errorf("backfill.checkpoints.store %q is not supported, must be one of %q or %q",
				b.Checkpoints.Store, CheckpointStoreDatabase, CheckpointStoreRedis))
		}
	}
	if b.Lease.Enabled && !config.Redis.Enabled {
		errs = multierror.Append(errs, errors.New("backfill.lease requires redis.enabled"))
	}
	if config.Redis.Enabled && config.Redis.Addr == "" {
		errs = multierror.Append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if config.Reporting.Sentry.Enabled && config.Reporting.Sentry.DSN == "" {
		errs = multierror.Append(errs, errors.New("reporting.sentry.dsn is required when sentry is enabled"))
	}

	return errs.ErrorOrNil()
}
