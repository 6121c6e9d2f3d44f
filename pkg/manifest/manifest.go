// Package manifest implements the metadata document written next to every
// version. A Manifest is an ordered mapping: keys keep their insertion order
// when encoded, so manifests read back in the order they were written.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known keys.
const (
	KeyManifestVersion = "manifest_version"
	KeyArtifactName    = "artifact_name"
	KeyVersionName     = "version_name"
	KeyDataFilename    = "data_filename"
	KeyDataChecksum    = "data_checksum"
	KeyArtifactClass   = "artifact_class"
	KeyCreatedAt       = "created_at"
	KeyArtifact        = "artifact"
)

// FormatVersion is the current value of manifest_version.
const FormatVersion = 1

// ErrNotMapping is returned when decoding a document that is not a mapping.
var ErrNotMapping = errors.New("manifest: document is not a mapping")

// Manifest is an ordered key/value document. Values are scalars, lists, or
// nested *Manifest mappings.
type Manifest struct {
	keys   []string
	values map[string]any
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{values: make(map[string]any)}
}

// FromMap builds a manifest from a plain map. Keys are sorted since maps
// carry no order; nested maps become nested manifests.
func FromMap(m map[string]any) *Manifest {
	out := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Set(k, m[k])
	}
	return out
}

// Set assigns key. New keys go last; existing keys keep their position.
func (m *Manifest) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = normalize(value)
}

// Get returns the value of key.
func (m *Manifest) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// GetString returns key as a string, or "" when absent or not a string.
func (m *Manifest) GetString(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Delete removes key.
func (m *Manifest) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in order.
func (m *Manifest) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Len returns the number of keys.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Section returns the nested mapping stored at key, or nil.
func (m *Manifest) Section(key string) *Manifest {
	v, _ := m.Get(key)
	s, _ := v.(*Manifest)
	return s
}

// SetSection stores sub as a nested mapping at key.
func (m *Manifest) SetSection(key string, sub *Manifest) {
	m.Set(key, sub)
}

// Merge copies every key of other into m, in other's order.
func (m *Manifest) Merge(other *Manifest) {
	for _, k := range other.Keys() {
		v, _ := other.Get(k)
		m.Set(k, v)
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	out := New()
	for _, k := range m.Keys() {
		out.Set(k, cloneValue(m.values[k]))
	}
	return out
}

// ToMap converts the manifest into plain maps and slices.
func (m *Manifest) ToMap() map[string]any {
	out := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		out[k] = plain(m.values[k])
	}
	return out
}

// DataFilename returns the payload file name, once a version was written.
func (m *Manifest) DataFilename() string { return m.GetString(KeyDataFilename) }

// Artifact returns the adapter's own metadata section, or nil.
func (m *Manifest) Artifact() *Manifest { return m.Section(KeyArtifact) }

// Encode renders the manifest as YAML.
func (m *Manifest) Encode() ([]byte, error) {
	return yaml.Marshal(m)
}

// Decode parses a YAML mapping into a manifest.
func Decode(data []byte) (*Manifest, error) {
	m := New()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalYAML implements yaml.Marshaler, emitting keys in order.
func (m *Manifest) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range m.Keys() {
		var value yaml.Node
		if err := value.Encode(m.values[k]); err != nil {
			return nil, fmt.Errorf("manifest key %q: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&value,
		)
	}
	return node, nil
}

// UnmarshalYAML implements yaml.Unmarshaler, keeping key order.
func (m *Manifest) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w (line %d)", ErrNotMapping, node.Line)
	}
	m.keys = nil
	m.values = make(map[string]any, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value, err := decodeNode(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("manifest key %q: %w", key, err)
		}
		m.Set(key, value)
	}
	return nil
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.MappingNode:
		sub := New()
		if err := sub.UnmarshalYAML(node); err != nil {
			return nil, err
		}
		return sub, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			v, err := decodeNode(child)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// normalize turns plain maps into nested manifests so that Section works on
// values set from Go maps as well as decoded ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return FromMap(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return FromMap(out)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func plain(v any) any {
	switch t := v.(type) {
	case *Manifest:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Manifest:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
