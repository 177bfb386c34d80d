package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/gitlab-org/labkit/correlation"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/migrations"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	"gitlab.com/gitlab-org/database-backfill/configuration"
	"gitlab.com/gitlab-org/database-backfill/version"
)

func init() {
	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(ListCmd)
	RootCmd.AddCommand(ValidateCmd)
	RootCmd.AddCommand(PlanCmd)
	RootCmd.AddCommand(CheckpointCmd)
	RootCmd.AddCommand(MigrateCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	RunCmd.Flags().StringArrayVarP(&jobNames, "job", "j", nil, "name of the job descriptor to run, may be repeated (all by default)")
	RunCmd.Flags().StringVarP(&tagFilter, "tag", "t", "", "only run job descriptors with the given key=value tag")
	addRangeFlags(RunCmd)
	addWindowFlags(RunCmd)
	RunCmd.Flags().VarP(nullableInt{&parallel}, "parallel", "n", "number of slices each range is split into and processed concurrently (backfill.parallel by default)")
	RunCmd.Flags().BoolVarP(&showProgress, "progress", "p", false, "show a progress bar per job descriptor")
	RunCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "count the rows each window would fill without updating them")
	RunCmd.PreRunE = setBoolFlagWithEnv(configuration.DryRunEnvVar, "dry-run")

	ListCmd.Flags().StringVarP(&tagFilter, "tag", "t", "", "only list job descriptors with the given key=value tag")

	PlanCmd.Flags().StringArrayVarP(&jobNames, "job", "j", nil, "name of the job descriptor to plan")
	addRangeFlags(PlanCmd)
	addWindowFlags(PlanCmd)

	for _, c := range []*cobra.Command{CheckpointShowCmd, CheckpointClearCmd} {
		c.Flags().StringArrayVarP(&jobNames, "job", "j", nil, "name of the job descriptor")
		addRangeFlags(c)
		CheckpointCmd.AddCommand(c)
	}

	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "only list the migrations that would be applied")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "only list the migrations that would be rolled back")
	MigrateCmd.AddCommand(MigrateDownCmd)

	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	viper.AutomaticEnv()
}

func addRangeFlags(c *cobra.Command) {
	c.Flags().Var(nullableInt64{&startID}, "start-id", "first key of the range to backfill, requires --end-id (whole table by default)")
	c.Flags().Var(nullableInt64{&endID}, "end-id", "last key of the range to backfill, requires --start-id (whole table by default)")
}

func addWindowFlags(c *cobra.Command) {
	c.Flags().VarP(nullableInt{&subBatchSize}, "sub-batch-size", "s", "maximum number of keys per window (descriptor value by default)")
	c.Flags().Var(nullableDuration{&pause}, "pause", "delay between two windows, 0 disables it (descriptor value by default)")
}

// Command flag vars
var (
	dryRun       bool
	force        bool
	showVersion  bool
	showProgress bool
	jobNames     []string
	tagFilter    string
	startID      *int64
	endID        *int64
	subBatchSize *int
	pause        *time.Duration
	parallel     *int
)

var (
	errRangeFlagsTogether = errors.New("--start-id and --end-id must be given together")
	errSingleJobRequired  = errors.New("exactly one --job is required")
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// nullableInt64 is the int64 counterpart of nullableInt, used for keys.
type nullableInt64 struct {
	ptr **int64
}

func (f nullableInt64) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.FormatInt(**f.ptr, 10)
}

func (nullableInt64) Type() string {
	return "int64"
}

func (f nullableInt64) Set(s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// nullableDuration is the time.Duration counterpart of nullableInt.
type nullableDuration struct {
	ptr **time.Duration
}

func (f nullableDuration) String() string {
	if *f.ptr == nil {
		return "0s"
	}
	return (**f.ptr).String()
}

func (nullableDuration) Type() string {
	return "duration"
}

func (f nullableDuration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// setBoolFlagWithEnv binds a boolean flag to an environment variable and overrides the flag if the env var is set.
// It returns an error if the binding or setting fails.
func setBoolFlagWithEnv(envVarKey, flagName string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlag(envVarKey, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("error binding env var %q to flag %q: %w", envVarKey, flagName, err)
		}

		if !cmd.Flags().Changed(flagName) {
			if viper.IsSet(envVarKey) {
				value := viper.GetBool(envVarKey)
				if err := cmd.Flags().Set(flagName, strconv.FormatBool(value)); err != nil {
					return fmt.Errorf("error setting flag %q from env var %q: %w", flagName, envVarKey, err)
				}
			}
		}
		return nil
	}
}

// setup resolves the configuration, configures logging and error reporting, and opens the database.
func setup(ctx context.Context, args []string) (*App, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	logger, err := configureLogging(config)
	if err != nil {
		return nil, fmt.Errorf("unable to configure logging with config: %w", err)
	}

	if err := configureReporting(config); err != nil {
		return nil, err
	}

	return NewApp(ctx, config, logger)
}

func closeApp(app *App) {
	if err := app.Close(); err != nil {
		app.logger.WithError(err).Warn("error closing connections")
	}
}

// selectDescriptors returns the named descriptors, or those matching the key=value tag filter, or all of them.
func selectDescriptors(reg *bbm.Registry, names []string, tag string) ([]models.JobDescriptor, error) {
	switch {
	case len(names) > 0:
		dd := make([]models.JobDescriptor, 0, len(names))
		for _, name := range names {
			d, err := reg.Get(name)
			if err != nil {
				return nil, err
			}
			dd = append(dd, d)
		}
		return dd, nil
	case tag != "":
		key, value, ok := strings.Cut(tag, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid tag filter %q, must be of the form key=value", tag)
		}
		dd := reg.Filter(key, value)
		if len(dd) == 0 {
			return nil, fmt.Errorf("no job descriptors tagged %s", tag)
		}
		return dd, nil
	default:
		if reg.Len() == 0 {
			return nil, errors.New("no job descriptors found")
		}
		return reg.All(), nil
	}
}

// applyOverrides applies the range and window flags to the selected descriptors.
func applyOverrides(dd []models.JobDescriptor) ([]models.JobDescriptor, error) {
	if (startID == nil) != (endID == nil) {
		return nil, errRangeFlagsTogether
	}
	if startID != nil && len(dd) > 1 {
		return nil, errors.New("--start-id and --end-id require a single --job")
	}

	var opts []models.DescriptorOption
	if startID != nil {
		opts = append(opts, models.WithIDRange(*startID, *endID))
	}
	if subBatchSize != nil {
		opts = append(opts, models.WithSubBatchSize(*subBatchSize))
	}
	if pause != nil {
		opts = append(opts, models.WithPause(*pause))
	}

	out := make([]models.JobDescriptor, 0, len(dd))
	for _, d := range dd {
		out = append(out, d.With(opts...))
	}
	return out, nil
}

// singleDescriptor returns the descriptor named by the only --job flag, with overrides applied.
func singleDescriptor(reg *bbm.Registry) (models.JobDescriptor, error) {
	if len(jobNames) != 1 {
		return models.JobDescriptor{}, errSingleJobRequired
	}
	dd, err := selectDescriptors(reg, jobNames, "")
	if err != nil {
		return models.JobDescriptor{}, err
	}
	dd, err = applyOverrides(dd)
	if err != nil {
		return models.JobDescriptor{}, err
	}
	return dd[0], nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return correlation.ContextWithCorrelation(ctx, correlation.SafeRandomID()), cancel
}

// RootCmd is the main command for the 'backfill' binary.
var RootCmd = &cobra.Command{
	Use:           "backfill",
	Short:         "`backfill` fills sharding key columns in batches",
	Long:          "`backfill` fills sharding key columns from a source-of-truth table in bounded, resumable windows",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}
		return cmd.Usage()
	},
}

// RunCmd is the `run` sub-command that executes job descriptors.
var RunCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run sharding key backfills",
	Long: "Run sharding key backfills. Job descriptors run one after the other, and a failed descriptor does not " +
		"prevent the following ones from running. Exits with a non-zero code if any run failed.",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(ctx, args)
		if err != nil {
			return err
		}
		defer closeApp(app)

		stopDebugServer, err := app.startDebugServer(ctx)
		if err != nil {
			return err
		}
		defer stopDebugServer()

		dd, err := selectDescriptors(app.registry, jobNames, tagFilter)
		if err != nil {
			return err
		}
		if dd, err = applyOverrides(dd); err != nil {
			return err
		}

		p := app.config.Backfill.Parallel
		if parallel != nil {
			if *parallel < 1 {
				return fmt.Errorf("--parallel must be greater than 0, got %d", *parallel)
			}
			p = *parallel
		}

		reporter := newProgressReporter(os.Stderr, showProgress)
		var extra []bbm.ExecutorOption
		if showProgress {
			extra = append(extra, bbm.WithWindowListener(reporter.listen))
		}
		if dryRun {
			extra = append(extra, bbm.WithDryRun())
		}
		executor, err := app.newExecutor(extra...)
		if err != nil {
			return err
		}
		runner := bbm.NewRunner(executor, bbm.WithParallelism(p), bbm.WithRunnerLogger(app.logger))

		var (
			results []*bbm.Result
			errs    *multierror.Error
		)
		for _, d := range dd {
			if err := ctx.Err(); err != nil {
				errs = multierror.Append(errs, err)
				break
			}

			if showProgress {
				d = executor.Prepare(d)
				if start, end, found, err := executor.ResolveRange(ctx, d); err == nil && found {
					reporter.start(d.Name, end-start+1)
				}
			}
			res, err := runner.Run(ctx, d)
			reporter.finish()

			results = append(results, res)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		}

		if err := renderResults(os.Stdout, results); err != nil {
			return err
		}
		if err := errs.ErrorOrNil(); err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
		return nil
	},
}

// ListCmd is the `list` sub-command that shows the known job descriptors.
var ListCmd = &cobra.Command{
	Use:   "list [config]",
	Short: "List job descriptors",
	Long:  "List job descriptors",
	RunE: func(_ *cobra.Command, args []string) error {
		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		reg, err := loadRegistry(config)
		if err != nil {
			return err
		}

		dd := reg.All()
		if tagFilter != "" {
			if dd, err = selectDescriptors(reg, nil, tagFilter); err != nil {
				return err
			}
		}

		return renderDescriptors(os.Stdout, dd)
	},
}

// ValidateCmd is the `validate` sub-command that checks all job descriptors against the database schema.
var ValidateCmd = &cobra.Command{
	Use:   "validate [config]",
	Short: "Validate job descriptors against the database schema",
	Long:  "Validate job descriptors against the database schema. All invalid descriptors are reported at once.",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(ctx, args)
		if err != nil {
			return err
		}
		defer closeApp(app)

		executor, err := app.newExecutor()
		if err != nil {
			return err
		}
		if err := app.registry.Validate(ctx, executor); err != nil {
			return fmt.Errorf("validating job descriptors: %w", err)
		}

		fmt.Printf("OK: %d job descriptor(s) are valid\n", app.registry.Len())
		return nil
	},
}

// PlanCmd is the `plan` sub-command that prints the windows a run would process.
var PlanCmd = &cobra.Command{
	Use:   "plan [config]",
	Short: "Show the windows a run would process",
	Long:  "Show the windows a run would process, without executing them",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(ctx, args)
		if err != nil {
			return err
		}
		defer closeApp(app)

		d, err := singleDescriptor(app.registry)
		if err != nil {
			return err
		}
		executor, err := app.newExecutor()
		if err != nil {
			return err
		}

		windows, err := executor.Plan(ctx, d)
		if err != nil {
			return fmt.Errorf("planning %s: %w", d.Name, err)
		}
		if len(windows) == 0 {
			fmt.Printf("%s: nothing to backfill\n", d.Name)
			return nil
		}

		return renderWindows(os.Stdout, windows)
	},
}

// CheckpointCmd is the root of the `checkpoint` command.
var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage resume checkpoints",
	Long:  "Manage resume checkpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// checkpointTarget returns the checkpoint store and the descriptor name and resolved range a checkpoint is keyed by.
func checkpointTarget(ctx context.Context, app *App) (store datastore.CheckpointStore, name string, start, end int64, err error) {
	d, err := singleDescriptor(app.registry)
	if err != nil {
		return nil, "", 0, 0, err
	}
	store, err = app.checkpointStore()
	if err != nil {
		return nil, "", 0, 0, err
	}
	executor, err := app.newExecutor()
	if err != nil {
		return nil, "", 0, 0, err
	}

	d = executor.Prepare(d)
	start, end, found, err := executor.ResolveRange(ctx, d)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("resolving backfill range: %w", err)
	}
	if !found {
		return nil, "", 0, 0, fmt.Errorf("%s: batch table is empty", d.Name)
	}
	return store, d.Name, start, end, nil
}

// CheckpointShowCmd is the `show` sub-command of `checkpoint` that shows the checkpoint of a job descriptor.
var CheckpointShowCmd = &cobra.Command{
	Use:   "show [config]",
	Short: "Show the resume checkpoint of a job descriptor",
	Long:  "Show the resume checkpoint of a job descriptor over its resolved range",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(ctx, args)
		if err != nil {
			return err
		}
		defer closeApp(app)

		store, name, start, end, err := checkpointTarget(ctx, app)
		if err != nil {
			return err
		}

		cp, err := store.Find(ctx, name, start, end)
		if err != nil {
			return err
		}
		if cp == nil {
			fmt.Printf("%s: no checkpoint over %s\n", name, models.Window{Lower: start, Upper: end})
			return nil
		}

		return renderCheckpoint(os.Stdout, cp)
	},
}

// CheckpointClearCmd is the `clear` sub-command of `checkpoint` that deletes the checkpoint of a job descriptor.
var CheckpointClearCmd = &cobra.Command{
	Use:   "clear [config]",
	Short: "Clear the resume checkpoint of a job descriptor",
	Long:  "Clear the resume checkpoint of a job descriptor, so that the next run covers the whole range again",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(ctx, args)
		if err != nil {
			return err
		}
		defer closeApp(app)

		store, name, start, end, err := checkpointTarget(ctx, app)
		if err != nil {
			return err
		}

		if err := store.Delete(ctx, name, start, end); err != nil {
			return err
		}

		fmt.Printf("OK: cleared checkpoint of %s over %s\n", name, models.Window{Lower: start, Upper: end})
		return nil
	},
}

// MigrateCmd is the `migrate` sub-command that manages the tables owned by the backfill.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the backfill checkpoint table",
	Long:  "Manage the backfill checkpoint table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func migratorFromArgs(ctx context.Context, args []string) (*migrations.Migrator, io.Closer, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	// migrations use a single connection
	config.Database.Pool.MaxOpen = 1

	db, err := dbFromConfig(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct database connection: %w", err)
	}

	return migrations.NewMigrator(db.DB, db.Dialect()), db, nil
}

// MigrateUpCmd is the `up` sub-command of `migrate` that applies pending migrations.
var MigrateUpCmd = &cobra.Command{
	Use:   "up [config]",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		m, db, err := migratorFromArgs(context.Background(), args)
		if err != nil {
			return err
		}
		defer db.Close()

		plan, err := m.UpPlan()
		if err != nil {
			return fmt.Errorf("failed to prepare Up plan: %w", err)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun {
			start := time.Now()
			n, err := m.Up()
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			fmt.Printf("OK: applied %d migration(s) in %.3fs\n", n, time.Since(start).Seconds())
		}
		return nil
	},
}

// MigrateDownCmd is the `down` sub-command of `migrate` that rolls back applied migrations.
var MigrateDownCmd = &cobra.Command{
	Use:   "down [config]",
	Short: "Apply down migrations",
	Long:  "Apply down migrations. Rolling back drops all resume checkpoints.",
	RunE: func(_ *cobra.Command, args []string) error {
		m, db, err := migratorFromArgs(context.Background(), args)
		if err != nil {
			return err
		}
		defer db.Close()

		plan, err := m.DownPlan()
		if err != nil {
			return fmt.Errorf("failed to prepare Down plan: %w", err)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun && len(plan) > 0 {
			if !force {
				var response string
				_, _ = fmt.Print("Preparing to apply the above down migrations. Are you sure? [y/N] ")
				_, err := fmt.Scanln(&response)
				if err != nil && errors.Is(err, io.EOF) {
					return fmt.Errorf("failed to scan user input: %w", err)
				}
				if !regexp.MustCompile(`(?i)^y(es)?$`).MatchString(response) {
					return nil
				}
			}

			start := time.Now()
			n, err := m.Down()
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			fmt.Printf("OK: applied %d migration(s) in %.3fs\n", n, time.Since(start).Seconds())
		}
		return nil
	},
}
