package backfill

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/errortracking"
	logkit "gitlab.com/gitlab-org/labkit/log"
	"golang.org/x/time/rate"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	iredis "gitlab.com/gitlab-org/database-backfill/backfill/internal/redis"
	"gitlab.com/gitlab-org/database-backfill/configuration"
	"gitlab.com/gitlab-org/database-backfill/health"
	"gitlab.com/gitlab-org/database-backfill/log"
	"gitlab.com/gitlab-org/database-backfill/version"
)

const (
	redisPingTimeout        = 1 * time.Second
	debugShutdownTimeout    = 5 * time.Second
	debugReadHeaderTimeout  = 5 * time.Second
	healthPath              = "/debug/health"
	redisMainInstanceName   = "main"
	databaseHealthCheckName = "database"
	redisHealthCheckName    = "redis"
)

var errCheckpointsDisabled = errors.New("checkpoints are not enabled, see backfill.checkpoints.enabled")

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv(configuration.PathEnvVar) != "" {
		configurationPath = os.Getenv(configuration.PathEnvVar)
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	// nolint: gosec
	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}

	// the descriptor registry lives next to the configuration file unless an absolute path is given
	if config.Backfill.Jobs != "" && !filepath.IsAbs(config.Backfill.Jobs) {
		config.Backfill.Jobs = filepath.Join(filepath.Dir(configurationPath), config.Backfill.Jobs)
	}

	return config, nil
}

// configureLogging initializes the standard logger with the configuration and returns a logger carrying the static
// fields, if any.
func configureLogging(config *configuration.Configuration) (log.Logger, error) {
	// We need to set the GITLAB_ISO8601_LOG_TIMESTAMP env var so that LabKit will use ISO 8601 timestamps with
	// millisecond precision instead of the logrus default format (RFC3339).
	envVar := "GITLAB_ISO8601_LOG_TIMESTAMP"
	if err := os.Setenv(envVar, "true"); err != nil {
		return nil, fmt.Errorf("unable to set environment variable %q: %w", envVar, err)
	}

	// the backfill doesn't log to a file, so we can ignore the io.Closer (noop) returned by LabKit
	if _, err := logkit.Initialize(
		logkit.WithFormatter(config.Log.Formatter.String()),
		logkit.WithLogLevel(config.Log.Level.String()),
		logkit.WithOutputName(config.Log.Output.String()),
	); err != nil {
		return nil, err
	}

	l := log.GetLogger()
	if len(config.Log.Fields) > 0 {
		l = l.WithFields(config.Log.Fields)
	}

	return l, nil
}

func configureReporting(config *configuration.Configuration) error {
	if !config.Reporting.Sentry.Enabled {
		return nil
	}

	if err := errortracking.Initialize(
		errortracking.WithSentryDSN(config.Reporting.Sentry.DSN),
		errortracking.WithSentryEnvironment(config.Reporting.Sentry.Environment),
		errortracking.WithVersion(version.Version),
	); err != nil {
		return fmt.Errorf("failed to configure Sentry: %w", err)
	}

	return nil
}

func dbFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	opts := []datastore.Option{
		datastore.WithLogger(logrus.WithFields(logrus.Fields{"database": config.Database.DBName})),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
			MaxIdleTime: config.Database.Pool.MaxIdleTime,
		}),
	}

	if config.Database.IsSQLite() {
		return datastore.OpenSQLite(ctx, config.Database.Path, opts...)
	}

	return datastore.Open(ctx, &datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	}, opts...)
}

func redisFromConfig(ctx context.Context, config *configuration.Configuration) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:           strings.Split(config.Redis.Addr, ","),
		DB:              config.Redis.DB,
		Username:        config.Redis.Username,
		Password:        config.Redis.Password,
		DialTimeout:     config.Redis.DialTimeout,
		ReadTimeout:     config.Redis.ReadTimeout,
		WriteTimeout:    config.Redis.WriteTimeout,
		PoolSize:        config.Redis.Pool.Size,
		ConnMaxLifetime: config.Redis.Pool.MaxLifetime,
		MasterName:      config.Redis.MainName,
	}
	if config.Redis.TLS.Enabled {
		opts.TLSConfig = &tls.Config{
			// nolint: gosec // used for development purposes only
			InsecureSkipVerify: config.Redis.TLS.Insecure,
		}
	}
	if config.Redis.Pool.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = config.Redis.Pool.IdleTimeout
	}

	// redis.NewUniversalClient will take care of returning the appropriate client type (single, cluster or sentinel)
	// depending on the configuration options.
	client := redis.NewUniversalClient(opts)

	if config.Debug.Prometheus.Enabled {
		if err := iredis.InstrumentClient(
			client,
			iredis.WithInstanceName(redisMainInstanceName),
			iredis.WithMaxConns(opts.PoolSize),
		); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("registering redis metrics: %w", err)
		}
	}

	// Ensure the client is correctly configured and the server is reachable. We use a new local context here with a
	// tight timeout to avoid blocking the start for too long.
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if cmd := client.Ping(pingCtx); cmd.Err() != nil {
		_ = client.Close()
		return nil, cmd.Err()
	}

	return client, nil
}

func loadRegistry(config *configuration.Configuration) (*bbm.Registry, error) {
	reg, err := bbm.LoadRegistryFile(config.Backfill.Jobs)
	if err != nil {
		return nil, fmt.Errorf("loading job descriptors: %w", err)
	}
	return reg, nil
}

// App bundles the dependencies shared by the commands operating on the database.
type App struct {
	config   *configuration.Configuration
	logger   log.Logger
	db       *datastore.DB
	redis    redis.UniversalClient
	registry *bbm.Registry
}

// NewApp opens the database and, when enabled, the redis connection and loads the descriptor registry.
func NewApp(ctx context.Context, config *configuration.Configuration, logger log.Logger) (*App, error) {
	reg, err := loadRegistry(config)
	if err != nil {
		return nil, err
	}

	db, err := dbFromConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct database connection: %w", err)
	}

	app := &App{
		config:   config,
		logger:   logger,
		db:       db,
		registry: reg,
	}

	if config.Redis.Enabled {
		client, err := redisFromConfig(ctx, config)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		app.redis = client
		logger.WithFields(log.Fields{"address": config.Redis.Addr}).Info("redis configured successfully")
	}

	return app, nil
}

// Close releases the database and redis connections.
func (app *App) Close() error {
	var errs *multierror.Error
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing redis connection: %w", err))
		}
	}
	if err := app.db.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing database connection: %w", err))
	}
	return errs.ErrorOrNil()
}

func (app *App) checkpointStore() (datastore.CheckpointStore, error) {
	cfg := app.config.Backfill.Checkpoints
	if !cfg.Enabled {
		return nil, errCheckpointsDisabled
	}

	switch cfg.Store {
	case configuration.CheckpointStoreRedis:
		if app.redis == nil {
			return nil, errors.New("redis checkpoints require redis.enabled")
		}
		return datastore.NewCheckpointCache(iredis.NewCache(app.redis), datastore.WithCheckpointTTL(cfg.TTL)), nil
	default:
		return datastore.NewCheckpointStore(app.db), nil
	}
}

// executorOptions translates the backfill configuration into executor options.
func (app *App) executorOptions() ([]bbm.ExecutorOption, error) {
	cfg := app.config.Backfill

	opts := []bbm.ExecutorOption{
		bbm.WithLogger(app.logger),
		bbm.WithMaxWindowAttempts(cfg.MaxWindowAttempts),
		bbm.WithBackoff(cfg.Backoff.Initial, cfg.Backoff.Max),
		bbm.WithStatementTimeout(cfg.StatementTimeout),
	}

	if cfg.Checkpoints.Enabled {
		store, err := app.checkpointStore()
		if err != nil {
			return nil, err
		}
		opts = append(opts, bbm.WithCheckpointStore(store))
	}

	if cfg.Lease.Enabled {
		if app.redis == nil {
			return nil, errors.New("backfill lease requires redis.enabled")
		}
		opts = append(opts, bbm.WithLeaser(bbm.NewRedisLeaser(app.redis), cfg.Lease.TTL))
	}

	if cfg.RateLimit.Enabled {
		opts = append(opts, bbm.WithLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit.WindowsPerSecond), cfg.RateLimit.Burst)))
	}

	return opts, nil
}

func (app *App) newExecutor(extra ...bbm.ExecutorOption) (*bbm.Executor, error) {
	opts, err := app.executorOptions()
	if err != nil {
		return nil, err
	}
	return bbm.NewExecutor(app.db, append(opts, extra...)...), nil
}

func (app *App) healthTargets() []health.Target {
	targets := []health.Target{{Name: databaseHealthCheckName, Pinger: app.db}}
	if app.redis != nil {
		targets = append(targets, health.Target{
			Name:   redisHealthCheckName,
			Pinger: &health.RedisPinger{Client: app.redis, Addr: app.config.Redis.Addr},
		})
	}
	return targets
}

func (app *App) debugHandler(ctx context.Context) http.Handler {
	cfg := app.config.Debug
	l := app.logger.WithFields(log.Fields{"address": cfg.Addr})

	router := mux.NewRouter()

	checker := health.NewStatusChecker(app.healthTargets(), cfg.Health.Interval, cfg.Health.Timeout, app.logger)
	checker.Start(ctx)
	router.Handle(healthPath, checker)
	l.WithFields(log.Fields{"path": healthPath}).Info("starting health checker")

	if cfg.Prometheus.Enabled {
		router.Handle(cfg.Prometheus.Path, handlers.MethodHandler{http.MethodGet: promhttp.Handler()})
		l.WithFields(log.Fields{"path": cfg.Prometheus.Path}).Info("starting Prometheus listener")
	}

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(logrus.StandardLogger()),
		handlers.PrintRecoveryStack(true),
	)(router)
}

// startDebugServer serves the health check and metrics on the configured debug address until the returned function
// is called. It does nothing when no address is configured.
func (app *App) startDebugServer(ctx context.Context) (func(), error) {
	addr := app.config.Debug.Addr
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on debug address: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           app.debugHandler(ctx),
		ReadHeaderTimeout: debugReadHeaderTimeout,
	}

	go func() {
		app.logger.WithFields(log.Fields{"address": ln.Addr().String()}).Info("debug server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.WithError(err).Error("error serving debug interface")
		}
	}()

	return func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.WithError(err).Warn("error shutting down debug server")
		}
	}, nil
}
