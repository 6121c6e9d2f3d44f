// Package activity records provenance for pipeline steps: every version it
// writes carries the step's source, author and the versions it read.
package activity

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versioned"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// Manifest section names.
const (
	SectionUser     = "user"
	SectionActivity = "activity"
)

// Activity is one pipeline step reading and writing artifacts below a
// location. It is safe for concurrent use.
type Activity struct {
	source   string
	location string
	backend  storage.Backend
	author   string

	scheme     versionname.Scheme
	registry   *artifact.Registry
	engineOpts []versioned.Option
	logger     *slog.Logger

	mu           sync.Mutex
	readHistory  map[string]struct{}
	writeHistory map[string]struct{}
}

// Option configures an Activity.
type Option func(*Activity)

// WithScheme sets the version name scheme for artifacts this activity
// creates. Defaults to the simple scheme.
func WithScheme(s versionname.Scheme) Option {
	return func(a *Activity) { a.scheme = s }
}

// WithRegistry sets the registry adapters are resolved from.
func WithRegistry(r *artifact.Registry) Option {
	return func(a *Activity) { a.registry = r }
}

// WithEngineOptions passes options to every versioned.Open.
func WithEngineOptions(opts ...versioned.Option) Option {
	return func(a *Activity) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Activity) { a.logger = l }
}

// New returns an activity named source run by author.
func New(source, location string, backend storage.Backend, author string, opts ...Option) *Activity {
	a := &Activity{
		source:       source,
		location:     location,
		backend:      backend,
		author:       author,
		scheme:       versionname.SimpleScheme(),
		readHistory:  map[string]struct{}{},
		writeHistory: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = artifact.NewDefaultRegistry()
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "activity", "source", source)
	}
	return a
}

// NewRunID returns a fresh identifier usable in run version names.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (a *Activity) open(ctx context.Context, name string, adapter artifact.Adapter, scheme versionname.Scheme) (*versioned.Artifact, error) {
	opts := append([]versioned.Option{
		versioned.WithRegistry(a.registry),
		versioned.WithLogger(a.logger.With("component", "versioned")),
	}, a.engineOpts...)
	return versioned.Open(ctx, name, a.location, a.backend, adapter, scheme, opts...)
}

// Read returns the data of version versionName of artifact name, or of its
// latest version when versionName is empty. The version is recorded as an
// input of later writes.
func (a *Activity) Read(ctx context.Context, name, versionName string) (any, error) {
	art, err := a.open(ctx, name, nil, versionname.Scheme{})
	if err != nil {
		return nil, err
	}
	v, err := art.ReadString(ctx, versionName)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.readHistory[v.URI()] = struct{}{}
	a.mu.Unlock()
	data, _ := v.Data()
	return data, nil
}

type writeConfig struct {
	adapter  artifact.Adapter
	format   string
	name     versionname.Name
	mode     versioned.WriteMode
	inputs   []string
	metadata map[string]any
}

// WriteOption configures Write.
type WriteOption func(*writeConfig)

// WithAdapter bypasses registry resolution.
func WithAdapter(ad artifact.Adapter) WriteOption {
	return func(c *writeConfig) { c.adapter = ad }
}

// WithFormat selects among the adapters registered for the data type.
func WithFormat(format string) WriteOption {
	return func(c *writeConfig) { c.format = format }
}

// WithVersionName writes an explicit version.
func WithVersionName(n versionname.Name) WriteOption {
	return func(c *writeConfig) { c.name = n }
}

// WithWriteMode sets the collision policy.
func WithWriteMode(m versioned.WriteMode) WriteOption {
	return func(c *writeConfig) { c.mode = m }
}

// WithInputs replaces the read history as the recorded inputs.
func WithInputs(inputs ...string) WriteOption {
	return func(c *writeConfig) { c.inputs = inputs }
}

// WithMetadata adds a "user" manifest section.
func WithMetadata(m map[string]any) WriteOption {
	return func(c *writeConfig) { c.metadata = m }
}

// Write stores data as a new version of artifact name, with the user
// metadata and the activity provenance as manifest sections.
func (a *Activity) Write(ctx context.Context, data any, name string, opts ...WriteOption) (*versioned.WriteResult, error) {
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	adapter := cfg.adapter
	if adapter == nil {
		var err error
		adapter, err = a.registry.ResolveFor(data, cfg.format)
		if err != nil {
			return nil, err
		}
	}
	art, err := a.open(ctx, name, adapter, a.scheme)
	if err != nil {
		return nil, err
	}

	extras := manifest.New()
	if cfg.metadata != nil {
		if err := extras.AddSource(ctx, manifest.NewDictSource(SectionUser, cfg.metadata)); err != nil {
			return nil, err
		}
	}
	if err := extras.AddSource(ctx, a.metadataSource(cfg.inputs)); err != nil {
		return nil, err
	}

	var writeOpts []versioned.WriteOption
	if !cfg.name.IsZero() {
		writeOpts = append(writeOpts, versioned.WithVersionName(cfg.name))
	}
	if cfg.mode != "" {
		writeOpts = append(writeOpts, versioned.WithWriteMode(cfg.mode))
	}
	res, err := art.Write(ctx, data, extras, writeOpts...)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.writeHistory[res.URI()] = struct{}{}
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "artifact written", "uri", res.URI(), "skipped", res.Skipped)
	return res, nil
}

func (a *Activity) metadataSource(inputs []string) manifest.DictSource {
	if inputs == nil {
		inputs = a.ReadHistory()
	}
	list := make([]any, len(inputs))
	for i, in := range inputs {
		list[i] = in
	}
	return manifest.NewDictSource(SectionActivity, map[string]any{
		"source": a.source,
		"author": a.author,
		"inputs": list,
	})
}

// ReadHistory returns the URIs of every version read so far, sorted.
func (a *Activity) ReadHistory() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.readHistory)
}

// WriteHistory returns the URIs of every version written so far, sorted.
func (a *Activity) WriteHistory() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.writeHistory)
}

// ClearHistory forgets what was read and written.
func (a *Activity) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readHistory = map[string]struct{}{}
	a.writeHistory = map[string]struct{}{}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
