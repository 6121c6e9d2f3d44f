package versioned

import (
	"context"
	"fmt"
	"strings"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/observability"
	"github.com/nagra-insight/pond/pkg/version"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// WriteMode decides what a write does when the version already exists.
type WriteMode string

const (
	// ErrorIfExists fails with ErrArtifactVersionAlreadyExists.
	ErrorIfExists WriteMode = "ERROR_IF_EXISTS"
	// Overwrite deletes the existing version first.
	Overwrite WriteMode = "OVERWRITE"
	// Ignore leaves the existing version untouched and reports it skipped.
	Ignore WriteMode = "IGNORE"
	// Append extends the existing payload when the artifact class supports
	// it, and otherwise behaves like ErrorIfExists.
	Append WriteMode = "APPEND"
)

// ParseWriteMode parses a mode name, case-insensitively.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))) {
	case "", ErrorIfExists, "ERROR":
		return ErrorIfExists, nil
	case Overwrite:
		return Overwrite, nil
	case Ignore:
		return Ignore, nil
	case Append:
		return Append, nil
	default:
		return "", fmt.Errorf("unknown write mode %q", s)
	}
}

func (m WriteMode) String() string { return string(m) }

type writeOptions struct {
	name versionname.Name
	mode WriteMode
}

// WriteOption configures Write.
type WriteOption func(*writeOptions)

// WithVersionName writes to an explicit version name instead of allocating
// the next one.
func WithVersionName(name versionname.Name) WriteOption {
	return func(o *writeOptions) { o.name = name }
}

// WithWriteMode sets the collision policy. The default is ErrorIfExists.
func WithWriteMode(mode WriteMode) WriteOption {
	return func(o *writeOptions) { o.mode = mode }
}

// WriteResult is the version a write produced.
type WriteResult struct {
	*version.Version
	// Skipped is set when Ignore left an existing version in place.
	Skipped bool
	// Appended is set when Append extended an existing version.
	Appended bool
}

// Write stores data as a new version. Without WithVersionName the next name
// is allocated under the artifact lock. extras are merged into the version
// manifest; its "artifact" section is passed to the adapter as metadata.
func (a *Artifact) Write(ctx context.Context, data any, extras *manifest.Manifest, opts ...WriteOption) (res *WriteResult, err error) {
	o := writeOptions{mode: ErrorIfExists}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mode == "" {
		o.mode = ErrorIfExists
	}

	ctx, finish := a.obs.TrackOperation(ctx, "versioned.write",
		observability.WriteOperation(a.name, o.name.String(), o.mode.String())...)
	defer func() { finish(err) }()

	name, err := a.resolveName(ctx, o.name)
	if err != nil {
		return nil, err
	}
	log := a.logger.With("version", name.String(), "mode", o.mode.String())

	v := a.version(name)
	exists, err := v.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", v.URI(), err)
	}
	if exists {
		switch o.mode {
		case Ignore:
			log.InfoContext(ctx, "ignoring already existing version")
			a.obs.VersionStored(ctx, a.name, o.mode.String(), observability.OutcomeSkipped)
			return &WriteResult{Version: v, Skipped: true}, nil
		case Overwrite:
			log.InfoContext(ctx, "deleting existing version before overwrite")
			if err := v.Delete(ctx); err != nil {
				return nil, err
			}
		case Append:
			if _, ok := artifact.AsAppender(a.adapter); ok {
				if err := v.Append(ctx, a.adapter, data, extras); err != nil {
					return nil, err
				}
				log.InfoContext(ctx, "appended to existing version")
				a.obs.VersionStored(ctx, a.name, o.mode.String(), observability.OutcomeAppended)
				return &WriteResult{Version: v, Appended: true}, nil
			}
			return nil, fmt.Errorf("%w: %s (artifact class %q cannot append)",
				ErrArtifactVersionAlreadyExists, v.URI(), a.adapter.ClassID())
		default:
			return nil, fmt.Errorf("%w: %s", ErrArtifactVersionAlreadyExists, v.URI())
		}
	}

	if err := v.Write(ctx, a.adapter, data, extras); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "version written", "uri", v.URI())
	a.obs.VersionStored(ctx, a.name, o.mode.String(), observability.OutcomeWritten)
	return &WriteResult{Version: v}, nil
}

// resolveName allocates a name, or validates and registers an explicit one.
func (a *Artifact) resolveName(ctx context.Context, explicit versionname.Name) (versionname.Name, error) {
	if explicit.IsZero() {
		return a.allocate(ctx)
	}
	if !a.scheme.Accepts(explicit) {
		if a.strict {
			return versionname.Name{}, fmt.Errorf("%w: %q is not a %s name",
				versionname.ErrIncompatibleVersionName, explicit, a.scheme.ID())
		}
		a.logger.WarnContext(ctx, "version name outside the artifact scheme",
			"version", explicit.String(), "scheme", a.scheme.ID())
	}
	err := a.withLock(ctx, func() error { return a.register(ctx, explicit) })
	if err != nil {
		return versionname.Name{}, err
	}
	return explicit, nil
}
