package artifact

import (
	"fmt"
	"image"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// CompressedSuffix marks a class id wrapped by Compressed.
const CompressedSuffix = "+zstd"

type registration struct {
	adapter Adapter
	format  string
}

// Registry maps Go data types to adapters, optionally keyed by format.
// It is safe for concurrent use. When several adapters are registered for a
// type, lookups without a format return the most recently registered one.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type][]registration
	order   []reflect.Type
	byClass map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[reflect.Type][]registration),
		byClass: make(map[string]Adapter),
	}
}

// Register associates dataType with a. An empty format registers a
// format-less adapter.
func (r *Registry) Register(dataType reflect.Type, a Adapter, format string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[dataType]; !ok {
		r.order = append(r.order, dataType)
	}
	r.byType[dataType] = append(r.byType[dataType], registration{adapter: a, format: format})
	r.byClass[a.ClassID()] = a
}

// RegisterFor is Register with the type taken from a sample value.
func (r *Registry) RegisterFor(sample any, a Adapter, format string) {
	r.Register(reflect.TypeOf(sample), a, format)
}

// Resolve returns the adapter for dataType. With an empty format the last
// registered adapter wins; otherwise the first adapter registered with that
// format is returned.
func (r *Registry) Resolve(dataType reflect.Type, format string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.byType[dataType]
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrArtifactNotFound, dataType)
	}
	return pick(items, dataType, format)
}

// ResolveFor resolves the adapter for the dynamic type of data. Exact type
// matches are preferred; otherwise the first registered interface type that
// data implements is used.
func (r *Registry) ResolveFor(data any, format string) (Adapter, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil data", ErrArtifactNotFound)
	}
	dataType := reflect.TypeOf(data)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if items := r.byType[dataType]; len(items) > 0 {
		return pick(items, dataType, format)
	}
	for _, t := range r.order {
		if t.Kind() == reflect.Interface && dataType.Implements(t) {
			return pick(r.byType[t], t, format)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrArtifactNotFound, dataType)
}

func pick(items []registration, dataType reflect.Type, format string) (Adapter, error) {
	if format == "" {
		return items[len(items)-1].adapter, nil
	}
	for _, item := range items {
		if item.format == format {
			return item.adapter, nil
		}
	}
	return nil, fmt.Errorf("%w: %v format %q", ErrFormatNotFound, dataType, format)
}

// Formats returns the formats registered for dataType, sorted.
func (r *Registry) Formats(dataType reflect.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, item := range r.byType[dataType] {
		if item.format != "" && !seen[item.format] {
			seen[item.format] = true
			out = append(out, item.format)
		}
	}
	sort.Strings(out)
	return out
}

// ByClassID returns the adapter whose ClassID is id. Ids ending in
// CompressedSuffix resolve to the inner adapter wrapped by Compressed.
func (r *Registry) ByClassID(id string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.byClass[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if inner, found := strings.CutSuffix(id, CompressedSuffix); found {
		a, err := r.ByClassID(inner)
		if err != nil {
			return nil, err
		}
		return Compressed(a), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownClass, id)
}

// NewDefaultRegistry returns a registry holding every built-in adapter.
// Without a format, maps and slices resolve to JSON and tables to CSV.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFor([]byte(nil), Bytes{}, "bin")
	r.RegisterFor("", Text{}, "txt")
	for _, sample := range []any{map[string]any(nil), []any(nil)} {
		r.RegisterFor(sample, YAML{}, "yaml")
		r.RegisterFor(sample, CBOR{}, "cbor")
		r.RegisterFor(sample, JSON{}, "json")
	}
	for _, sample := range []any{Table{}, &Table{}} {
		r.RegisterFor(sample, XLSXTable{}, "xlsx")
		r.RegisterFor(sample, Compressed(CSVTable{}), "csv.zst")
		r.RegisterFor(sample, CSVTable{}, "csv")
	}
	r.Register(reflect.TypeOf((*image.Image)(nil)).Elem(), PNGImage{}, "png")
	return r
}
