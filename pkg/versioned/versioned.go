// Package versioned is the versioning engine: it owns the version history of
// one named artifact, hands out version names, and enforces write modes.
//
// Layout below the artifact location:
//
//	versions.json          ledger of registered version names
//	_pond/manifest.yml     pinned artifact class and version name class
//	_pond/_LOCK            transient name allocation lock
//	<version>/...          one subtree per version
package versioned

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/observability"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/version"
	"github.com/nagra-insight/pond/pkg/versionname"
)

const (
	LedgerFilename = "versions.json"
	LockFilename   = "_LOCK"

	// DefaultLockBackoff is how long name allocation waits before its single
	// retry on a held lock.
	DefaultLockBackoff = time.Second

	keyVersionNameClass = "version_name_class"
	keyDateOnly         = "version_name_date_only"
	keyRunID            = "version_name_run_id"
)

var (
	ErrArtifactHasNoVersion         = errors.New("versioned: artifact has no version")
	ErrArtifactVersionDoesNotExist  = errors.New("versioned: artifact version does not exist")
	ErrArtifactVersionAlreadyExists = errors.New("versioned: artifact version already exists")
	ErrArtifactVersionsIsLocked     = errors.New("versioned: artifact versions are locked")
	ErrClassMismatch                = errors.New("versioned: class does not match the pinned class")
	ErrInvalidArtifactName          = errors.New("versioned: invalid artifact name")
	ErrInvalidManifest              = errors.New("versioned: invalid manifest")
)

// Artifact is one named artifact with its version history. Calls on one
// Artifact must be issued sequentially by the caller; across processes only
// name allocation is guarded, by an advisory lock.
type Artifact struct {
	name     string
	root     string
	location string
	backend  storage.Backend
	adapter  artifact.Adapter
	scheme   versionname.Scheme

	registry    *artifact.Registry
	logger      *slog.Logger
	obs         *observability.Provider
	lockBackoff time.Duration
	strict      bool
}

// Option configures Open.
type Option func(*Artifact)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Artifact) { a.logger = logger }
}

// WithLockBackoff sets the wait before the lock retry.
func WithLockBackoff(d time.Duration) Option {
	return func(a *Artifact) { a.lockBackoff = d }
}

// WithRegistry sets the registry used to find the pinned adapter when Open
// is called without one.
func WithRegistry(r *artifact.Registry) Option {
	return func(a *Artifact) { a.registry = r }
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(a *Artifact) { a.obs = p }
}

// WithStrictVersionNames rejects explicit version names outside the pinned
// scheme instead of logging a warning.
func WithStrictVersionNames() Option {
	return func(a *Artifact) { a.strict = true }
}

// Open opens artifactName below location, creating it when its manifest is
// absent. On a fresh artifact adapter is required and scheme defaults to the
// simple scheme; both are pinned. On an existing artifact the pinned classes
// win: a nil adapter or zero scheme adopts them, including the date-only
// flag and run id the artifact was created with, and a different class fails
// with ErrClassMismatch. An explicit scheme is matched on its kind only, so
// runs with different ids share one artifact.
func Open(ctx context.Context, artifactName, location string, backend storage.Backend,
	adapter artifact.Adapter, scheme versionname.Scheme, opts ...Option) (*Artifact, error) {
	name, err := normalizeName(artifactName)
	if err != nil {
		return nil, err
	}
	a := &Artifact{
		name:        name,
		root:        location,
		location:    storage.Join(location, name),
		backend:     backend,
		adapter:     adapter,
		scheme:      scheme,
		lockBackoff: DefaultLockBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "versioned")
	}
	a.logger = a.logger.With("artifact", a.location)
	if a.obs == nil {
		a.obs = observability.Noop()
	}
	if a.registry == nil {
		a.registry = artifact.NewDefaultRegistry()
	}

	ctx, finish := a.obs.TrackOperation(ctx, "versioned.open",
		observability.ArtifactOperation(name, classID(adapter), scheme.ID())...)
	err = a.init(ctx)
	finish(err)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func normalizeName(s string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(s))
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactName, s)
	case strings.ContainsAny(name, "/\\"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidArtifactName, s)
	case strings.HasPrefix(name, "_"):
		return "", fmt.Errorf("%w: %q starts with a reserved underscore", ErrInvalidArtifactName, s)
	}
	return name, nil
}

func classID(adapter artifact.Adapter) string {
	if adapter == nil {
		return ""
	}
	return adapter.ClassID()
}

func (a *Artifact) manifestLocation() string { return version.ManifestLocation(a.location) }
func (a *Artifact) ledgerLocation() string   { return storage.Join(a.location, LedgerFilename) }
func (a *Artifact) lockLocation() string {
	return storage.Join(a.location, version.MetadataDir, LockFilename)
}

func (a *Artifact) init(ctx context.Context) error {
	exists, err := a.backend.Exists(ctx, a.manifestLocation())
	if err != nil {
		return fmt.Errorf("open %s: %w", a.location, err)
	}
	if exists {
		return a.adoptPinned(ctx)
	}
	return a.create(ctx)
}

func (a *Artifact) create(ctx context.Context) error {
	if a.adapter == nil {
		return fmt.Errorf("create %s: %w: an artifact class is required for a new artifact", a.location, artifact.ErrUnknownClass)
	}
	if a.scheme.IsZero() {
		a.scheme = versionname.SimpleScheme()
	}
	if _, err := versionname.SchemeFromID(a.scheme.ID()); err != nil {
		return fmt.Errorf("create %s: %w", a.location, err)
	}

	ledgerExists, err := a.backend.Exists(ctx, a.ledgerLocation())
	if err != nil {
		return fmt.Errorf("create %s: %w", a.location, err)
	}
	if !ledgerExists {
		if err := a.writeLedger(ctx, nil); err != nil {
			return err
		}
	}

	m := manifest.New()
	m.Set(manifest.KeyManifestVersion, manifest.FormatVersion)
	m.Set(manifest.KeyArtifactName, a.name)
	m.Set(manifest.KeyArtifactClass, a.adapter.ClassID())
	m.Set(keyVersionNameClass, a.scheme.ID())
	if a.scheme.DateOnly {
		m.Set(keyDateOnly, true)
	}
	if a.scheme.RunID != "" {
		m.Set(keyRunID, a.scheme.RunID)
	}
	m.Set(manifest.KeyCreatedAt, time.Now().UTC().Truncate(time.Second))
	encoded, err := m.Encode()
	if err != nil {
		return fmt.Errorf("create %s: %w", a.location, err)
	}
	if err := a.backend.Write(ctx, a.manifestLocation(), encoded); err != nil {
		return fmt.Errorf("create %s: %w", a.location, err)
	}
	a.logger.InfoContext(ctx, "artifact created",
		"artifact_class", a.adapter.ClassID(),
		"version_name_class", a.scheme.ID(),
	)
	return nil
}

func (a *Artifact) adoptPinned(ctx context.Context) error {
	raw, err := a.backend.Read(ctx, a.manifestLocation())
	if err != nil {
		return fmt.Errorf("open %s: %w", a.location, err)
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.location, err)
	}
	if err := validateManifest(pinnedSchema, m, a.manifestLocation()); err != nil {
		return err
	}
	pinnedClass := m.GetString(manifest.KeyArtifactClass)
	pinnedScheme := m.GetString(keyVersionNameClass)

	if a.adapter != nil && a.adapter.ClassID() != pinnedClass {
		return fmt.Errorf("%w: %s is pinned to artifact class %q, got %q",
			ErrClassMismatch, a.location, pinnedClass, a.adapter.ClassID())
	}
	if !a.scheme.IsZero() && a.scheme.ID() != pinnedScheme {
		return fmt.Errorf("%w: %s is pinned to version name class %q, got %q",
			ErrClassMismatch, a.location, pinnedScheme, a.scheme.ID())
	}
	if a.adapter == nil {
		adapter, err := a.registry.ByClassID(pinnedClass)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.location, err)
		}
		a.adapter = adapter
	}
	if a.scheme.IsZero() {
		scheme, err := versionname.SchemeFromID(pinnedScheme)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.location, err)
		}
		dateOnly, _ := m.Get(keyDateOnly)
		scheme.DateOnly, _ = dateOnly.(bool)
		scheme.RunID = m.GetString(keyRunID)
		a.scheme = scheme
	}
	return nil
}

// Name returns the normalized artifact name.
func (a *Artifact) Name() string { return a.name }

// Location returns the artifact subtree on the backend.
func (a *Artifact) Location() string { return a.location }

// Adapter returns the pinned adapter.
func (a *Artifact) Adapter() artifact.Adapter { return a.adapter }

// Scheme returns the pinned version name scheme.
func (a *Artifact) Scheme() versionname.Scheme { return a.scheme }

// Backend returns the storage backend.
func (a *Artifact) Backend() storage.Backend { return a.backend }

func (a *Artifact) version(name versionname.Name) *version.Version {
	return version.New(a.name, name, a.location, a.backend)
}

// AllVersionNames returns every registered name, sorted, including names
// reserved by writes that never completed.
func (a *Artifact) AllVersionNames(ctx context.Context) ([]versionname.Name, error) {
	return a.readLedger(ctx)
}

// VersionNames returns the names of existing versions, sorted.
func (a *Artifact) VersionNames(ctx context.Context) ([]versionname.Name, error) {
	all, err := a.readLedger(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]versionname.Name, 0, len(all))
	for _, name := range all {
		exists, err := a.version(name).Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("probe %s/%s: %w", a.location, name, err)
		}
		if exists {
			names = append(names, name)
		}
	}
	return names, nil
}

// LatestVersionName returns the greatest existing version name.
func (a *Artifact) LatestVersionName(ctx context.Context) (versionname.Name, error) {
	names, err := a.VersionNames(ctx)
	if err != nil {
		return versionname.Name{}, err
	}
	if len(names) == 0 {
		return versionname.Name{}, fmt.Errorf("%w: %s", ErrArtifactHasNoVersion, a.location)
	}
	return names[len(names)-1], nil
}

// LatestVersion reads the latest existing version.
func (a *Artifact) LatestVersion(ctx context.Context) (*version.Version, error) {
	return a.Read(ctx, nil)
}

// Read loads version name, or the latest version when name is nil.
func (a *Artifact) Read(ctx context.Context, name *versionname.Name) (v *version.Version, err error) {
	ctx, finish := a.obs.TrackOperation(ctx, "versioned.read",
		observability.ArtifactOperation(a.name, a.adapter.ClassID(), a.scheme.ID())...)
	defer func() { finish(err) }()

	var target versionname.Name
	if name == nil || name.IsZero() {
		target, err = a.LatestVersionName(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		target = *name
	}

	v = a.version(target)
	exists, err := v.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", v.URI(), err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrArtifactVersionDoesNotExist, a.location, target)
	}
	m, err := v.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", v.URI(), err)
	}
	if err := validateManifest(versionSchema, m, v.ManifestLocation()); err != nil {
		return nil, err
	}
	if stored := m.GetString(manifest.KeyArtifactClass); stored != "" && stored != a.adapter.ClassID() {
		return nil, fmt.Errorf("%w: %s was written as %q, artifact reads %q",
			ErrClassMismatch, v.URI(), stored, a.adapter.ClassID())
	}
	if _, err := v.Read(ctx, a.adapter); err != nil {
		return nil, err
	}
	return v, nil
}

// ReadString is Read with the version name given as text. An empty string
// reads the latest version.
func (a *Artifact) ReadString(ctx context.Context, s string) (*version.Version, error) {
	if s == "" {
		return a.Read(ctx, nil)
	}
	name, err := versionname.Parse(s)
	if err != nil {
		return nil, err
	}
	return a.Read(ctx, &name)
}

// DeleteVersion removes a version subtree and unregisters its name.
// Deleting a name that was never registered is a no-op.
func (a *Artifact) DeleteVersion(ctx context.Context, name versionname.Name) (err error) {
	if name.IsZero() {
		return fmt.Errorf("%w: empty version name for %s", versionname.ErrInvalidVersionName, a.location)
	}
	ctx, finish := a.obs.TrackOperation(ctx, "versioned.delete",
		observability.WriteOperation(a.name, name.String(), "delete")...)
	defer func() { finish(err) }()

	if err := a.version(name).Delete(ctx); err != nil {
		return err
	}
	err = a.withLock(ctx, func() error {
		names, err := a.readLedger(ctx)
		if err != nil {
			return err
		}
		kept := names[:0]
		removed := false
		for _, n := range names {
			if n.Equal(name) {
				removed = true
				continue
			}
			kept = append(kept, n)
		}
		if !removed {
			return nil
		}
		return a.writeLedger(ctx, kept)
	})
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "version deleted", "version", name.String())
	return nil
}
