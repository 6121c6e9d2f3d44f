// Package version manages one snapshot of an artifact: its payload file and
// the manifest whose presence marks the snapshot as existing.
package version

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// On-backend layout.
const (
	MetadataDir      = "_pond"
	ManifestFilename = "manifest.yml"
	URIScheme        = "pond"
	checksumPrefix   = "blake3:"
)

var (
	ErrChecksumMismatch    = errors.New("version: payload checksum mismatch")
	ErrMissingDataFilename = errors.New("version: manifest has no data_filename")
	ErrNotAppendable       = errors.New("version: artifact class does not support append")
)

// ManifestLocation returns the manifest path below a version or artifact
// location.
func ManifestLocation(location string) string {
	return storage.Join(location, MetadataDir, ManifestFilename)
}

// Location returns the subtree of version name under an artifact location.
func Location(artifactLocation string, name versionname.Name) string {
	return storage.Join(artifactLocation, name.String())
}

// Checksum returns the content checksum recorded in manifests.
func Checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// Version is one snapshot of an artifact.
type Version struct {
	artifactName string
	name         versionname.Name
	location     string
	backend      storage.Backend

	manifest *manifest.Manifest
	data     any
	loaded   bool
}

// New returns the version name of artifactName stored below artifactLocation.
// Nothing is read from the backend.
func New(artifactName string, name versionname.Name, artifactLocation string, backend storage.Backend) *Version {
	return &Version{
		artifactName: artifactName,
		name:         name,
		location:     Location(artifactLocation, name),
		backend:      backend,
	}
}

func (v *Version) Name() versionname.Name { return v.name }
func (v *Version) ArtifactName() string   { return v.artifactName }
func (v *Version) Location() string       { return v.location }

func (v *Version) ManifestLocation() string { return ManifestLocation(v.location) }

// URI identifies the version independently of where it is stored.
func (v *Version) URI() string {
	return fmt.Sprintf("%s://%s/%s", URIScheme, v.artifactName, v.name)
}

// Data returns the payload loaded by Read or stored by Write.
func (v *Version) Data() (any, bool) { return v.data, v.loaded }

// checkName keeps a zero name, whose location is the artifact itself, away
// from the backend.
func (v *Version) checkName() error {
	if v.name.IsZero() {
		return fmt.Errorf("%w: empty version name for %s", versionname.ErrInvalidVersionName, v.artifactName)
	}
	return nil
}

// Exists reports whether the manifest is present. A loaded manifest counts
// without asking the backend.
func (v *Version) Exists(ctx context.Context) (bool, error) {
	if err := v.checkName(); err != nil {
		return false, err
	}
	if v.manifest != nil {
		return true, nil
	}
	return v.backend.Exists(ctx, v.ManifestLocation())
}

// Manifest returns the version manifest, reading it on first use.
func (v *Version) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	if v.manifest != nil {
		return v.manifest, nil
	}
	if err := v.checkName(); err != nil {
		return nil, err
	}
	raw, err := v.backend.Read(ctx, v.ManifestLocation())
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest of %s: %w", v.URI(), err)
	}
	v.manifest = m
	return m, nil
}

// DataLocation returns the payload path recorded in the manifest.
func (v *Version) DataLocation(ctx context.Context) (string, error) {
	m, err := v.Manifest(ctx)
	if err != nil {
		return "", err
	}
	filename := m.DataFilename()
	if filename == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingDataFilename, v.URI())
	}
	return storage.Join(v.location, filename), nil
}

// Write serializes data with a and stores payload then manifest. The
// manifest goes last: until it is written the version does not exist.
//
// extras holds caller sections merged into the manifest. Its "artifact"
// section is handed to the adapter as metadata and stored back with
// whatever the adapter added.
func (v *Version) Write(ctx context.Context, a artifact.Adapter, data any, extras *manifest.Manifest) error {
	if err := v.checkName(); err != nil {
		return err
	}
	meta := artifactMeta(extras)
	payload, err := a.Serialize(data, meta)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", v.URI(), err)
	}
	if err := v.store(ctx, a, payload, extras, meta); err != nil {
		return err
	}
	v.data, v.loaded = data, true
	return nil
}

// Append extends the stored payload with data. The version must exist and a
// must support appending.
func (v *Version) Append(ctx context.Context, a artifact.Adapter, data any, extras *manifest.Manifest) error {
	ap, ok := artifact.AsAppender(a)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAppendable, a.ClassID())
	}
	existing, err := v.readPayload(ctx)
	if err != nil {
		return err
	}
	meta := v.manifest.Artifact().ToMap()
	for k, val := range artifactMeta(extras) {
		meta[k] = val
	}
	payload, err := ap.Append(existing, data, meta)
	if err != nil {
		return fmt.Errorf("append %s: %w", v.URI(), err)
	}
	if err := v.store(ctx, a, payload, extras, meta); err != nil {
		return err
	}
	v.data, v.loaded = nil, false
	return nil
}

func (v *Version) store(ctx context.Context, a artifact.Adapter, payload []byte, extras *manifest.Manifest, meta map[string]any) error {
	if v.manifest == nil {
		if _, err := v.Manifest(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	filename := ""
	if v.manifest != nil {
		filename = v.manifest.DataFilename()
	}
	if filename == "" {
		basename := artifact.SanitizeBasename(v.artifactName + "_" + v.name.String())
		filename = a.PreferredFilename(basename)
	}

	m := manifest.New()
	m.Set(manifest.KeyManifestVersion, manifest.FormatVersion)
	m.Set(manifest.KeyArtifactName, v.artifactName)
	m.Set(manifest.KeyVersionName, v.name.String())
	m.Set(manifest.KeyDataFilename, filename)
	m.Set(manifest.KeyDataChecksum, Checksum(payload))
	m.Set(manifest.KeyArtifactClass, a.ClassID())
	m.Set(manifest.KeyCreatedAt, time.Now().UTC().Truncate(time.Second))
	for _, k := range extras.Keys() {
		if isFixedKey(k) {
			continue
		}
		val, _ := extras.Get(k)
		m.Set(k, val)
	}
	m.Set(manifest.KeyArtifact, manifest.FromMap(meta))

	if err := v.backend.Write(ctx, storage.Join(v.location, filename), payload); err != nil {
		return fmt.Errorf("write payload of %s: %w", v.URI(), err)
	}
	encoded, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest of %s: %w", v.URI(), err)
	}
	if err := v.backend.Write(ctx, v.ManifestLocation(), encoded); err != nil {
		return fmt.Errorf("write manifest of %s: %w", v.URI(), err)
	}
	v.manifest = m
	return nil
}

// Read loads the payload through a, verifying the recorded checksum.
func (v *Version) Read(ctx context.Context, a artifact.Adapter) (any, error) {
	payload, err := v.readPayload(ctx)
	if err != nil {
		return nil, err
	}
	meta := v.manifest.Artifact().ToMap()
	data, err := a.Deserialize(payload, meta)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", v.URI(), err)
	}
	v.data, v.loaded = data, true
	return data, nil
}

func (v *Version) readPayload(ctx context.Context) ([]byte, error) {
	dataLocation, err := v.DataLocation(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := v.backend.Read(ctx, dataLocation)
	if err != nil {
		return nil, fmt.Errorf("read payload of %s: %w", v.URI(), err)
	}
	if want := v.manifest.GetString(manifest.KeyDataChecksum); want != "" {
		if got := Checksum(payload); !strings.EqualFold(got, want) {
			return nil, fmt.Errorf("%w: %s has %s, manifest records %s", ErrChecksumMismatch, v.URI(), got, want)
		}
	}
	return payload, nil
}

// Delete removes the whole version subtree. Deleting a missing version is
// not an error.
func (v *Version) Delete(ctx context.Context) error {
	if err := v.checkName(); err != nil {
		return err
	}
	if err := v.backend.Delete(ctx, v.location, true); err != nil {
		return fmt.Errorf("delete %s: %w", v.URI(), err)
	}
	v.manifest, v.data, v.loaded = nil, nil, false
	return nil
}

// Read opens version name of an artifact and loads its payload.
func Read(ctx context.Context, backend storage.Backend, artifactLocation, artifactName string, name versionname.Name, a artifact.Adapter) (*Version, error) {
	v := New(artifactName, name, artifactLocation, backend)
	if _, err := v.Read(ctx, a); err != nil {
		return nil, err
	}
	return v, nil
}

func artifactMeta(extras *manifest.Manifest) map[string]any {
	if section := extras.Section(manifest.KeyArtifact); section != nil {
		return section.ToMap()
	}
	return map[string]any{}
}

func isFixedKey(k string) bool {
	switch k {
	case manifest.KeyManifestVersion, manifest.KeyArtifactName, manifest.KeyVersionName,
		manifest.KeyDataFilename, manifest.KeyDataChecksum, manifest.KeyArtifactClass,
		manifest.KeyCreatedAt, manifest.KeyArtifact:
		return true
	}
	return false
}
