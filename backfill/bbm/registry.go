package bbm

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

// DescriptorValidator checks a descriptor against the database schema.
type DescriptorValidator interface {
	Validate(ctx context.Context, d models.JobDescriptor) error
}

// Registry holds the known job descriptors, indexed by name. It replaces one job type per backfilled table with
// plain data. A Registry is built once at startup and is not safe for concurrent modification.
type Registry struct {
	descriptors map[string]models.JobDescriptor
}

// NewRegistry creates a registry holding the given descriptors.
func NewRegistry(dd ...models.JobDescriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]models.JobDescriptor, len(dd))}
	for _, d := range dd {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Names must be unique and descriptors must pass static validation.
func (r *Registry) Register(d models.JobDescriptor) error {
	if d.Name == "" {
		return newInvalidDescriptorError(fmt.Errorf("%w: name is required", models.ErrInvalidDescriptor))
	}
	if _, found := r.descriptors[d.Name]; found {
		return newInvalidDescriptorError(fmt.Errorf("%w: duplicate name %q", models.ErrInvalidDescriptor, d.Name))
	}
	if err := d.WithDefaults().Validate(); err != nil {
		return newInvalidDescriptorError(fmt.Errorf("descriptor %q: %w", d.Name, err))
	}

	r.descriptors[d.Name] = d
	return nil
}

// Get returns the named descriptor.
func (r *Registry) Get(name string) (models.JobDescriptor, error) {
	d, found := r.descriptors[name]
	if !found {
		return models.JobDescriptor{}, fmt.Errorf("%w: %s", ErrDescriptorNotFound, name)
	}
	return d, nil
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return len(r.descriptors)
}

// Names returns the sorted names of all descriptors.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns all descriptors sorted by name.
func (r *Registry) All() []models.JobDescriptor {
	dd := make([]models.JobDescriptor, 0, len(r.descriptors))
	for _, name := range r.Names() {
		dd = append(dd, r.descriptors[name])
	}
	return dd
}

// Filter returns the descriptors, sorted by name, whose tag key equals value.
func (r *Registry) Filter(key, value string) []models.JobDescriptor {
	var dd []models.JobDescriptor
	for _, d := range r.All() {
		if v, ok := d.Tags[key]; ok && v == value {
			dd = append(dd, d)
		}
	}
	return dd
}

// Validate checks every descriptor against the database schema and reports all failures at once.
func (r *Registry) Validate(ctx context.Context, v DescriptorValidator) error {
	var errs *multierror.Error
	for _, d := range r.All() {
		if err := v.Validate(ctx, d); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

type registryFile struct {
	Jobs []descriptorEntry `yaml:"jobs"`
}

type descriptorEntry struct {
	Name                  string            `yaml:"name"`
	BatchTable            string            `yaml:"batch_table"`
	BatchColumn           string            `yaml:"batch_column,omitempty"`
	BackfillColumn        string            `yaml:"backfill_column"`
	BackfillViaTable      string            `yaml:"backfill_via_table"`
	BackfillViaColumn     string            `yaml:"backfill_via_column"`
	BackfillViaForeignKey string            `yaml:"backfill_via_foreign_key"`
	BackfillViaPrimaryKey string            `yaml:"backfill_via_primary_key,omitempty"`
	PartitionColumn       string            `yaml:"partition_column,omitempty"`
	StartID               *int64            `yaml:"start_id,omitempty"`
	EndID                 *int64            `yaml:"end_id,omitempty"`
	SubBatchSize          int               `yaml:"sub_batch_size,omitempty"`
	PauseMS               *int64            `yaml:"pause_ms,omitempty"`
	BatchingStrategy      string            `yaml:"batching_strategy,omitempty"`
	Tags                  map[string]string `yaml:"tags,omitempty"`
}

func (e descriptorEntry) descriptor() (models.JobDescriptor, error) {
	strategy, err := models.ParseBatchingStrategy(e.BatchingStrategy)
	if err != nil {
		return models.JobDescriptor{}, newInvalidBatchingStrategyError(fmt.Errorf("descriptor %q: %w", e.Name, err))
	}

	opts := []models.DescriptorOption{
		models.WithPartitionColumn(e.PartitionColumn),
		models.WithBatchingStrategy(strategy),
		models.WithTags(e.Tags),
	}
	// a missing bound defaults to zero, so that a lone start_id fails validation
	if e.StartID != nil || e.EndID != nil {
		opts = append(opts, models.WithIDRange(deref(e.StartID), deref(e.EndID)))
	}
	if e.BatchColumn != "" {
		opts = append(opts, models.WithBatchColumn(e.BatchColumn))
	}
	if e.BackfillViaPrimaryKey != "" {
		opts = append(opts, models.WithViaPrimaryKey(e.BackfillViaPrimaryKey))
	}
	if e.SubBatchSize != 0 {
		opts = append(opts, models.WithSubBatchSize(e.SubBatchSize))
	}
	// pause_ms: 0 disables the pause, an absent pause_ms means the default
	if e.PauseMS != nil {
		opts = append(opts, models.WithPause(time.Duration(*e.PauseMS)*time.Millisecond))
	}

	return models.NewJobDescriptor(
		e.Name,
		e.BatchTable,
		e.BackfillColumn,
		e.BackfillViaTable,
		e.BackfillViaColumn,
		e.BackfillViaForeignKey,
		opts...,
	), nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// LoadRegistry parses a YAML document with a top level `jobs` list of descriptors. Unknown attributes are rejected.
func LoadRegistry(rd io.Reader) (*Registry, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("reading job descriptors: %w", err)
	}

	var f registryFile
	if err := yaml.UnmarshalStrict(in, &f); err != nil {
		return nil, fmt.Errorf("parsing job descriptors: %w", err)
	}

	r := &Registry{descriptors: make(map[string]models.JobDescriptor, len(f.Jobs))}
	var errs *multierror.Error
	for _, e := range f.Jobs {
		d, err := e.descriptor()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.Register(d); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return r, nil
}

// LoadRegistryFile parses the job descriptors file at path.
func LoadRegistryFile(path string) (*Registry, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening job descriptors file: %w", err)
	}
	defer fp.Close()

	return LoadRegistry(fp)
}
