package manifest

import "context"

// Source contributes one named section to a manifest.
type Source interface {
	SectionName() string
	Collect(ctx context.Context) (map[string]any, error)
}

// DictSource is a Source over a fixed map.
type DictSource struct {
	Name     string
	Metadata map[string]any
}

// NewDictSource returns a source named name holding metadata.
func NewDictSource(name string, metadata map[string]any) DictSource {
	return DictSource{Name: name, Metadata: metadata}
}

func (d DictSource) SectionName() string { return d.Name }

func (d DictSource) Collect(ctx context.Context) (map[string]any, error) {
	return d.Metadata, nil
}

// AddSource collects src and stores the result as a section.
func (m *Manifest) AddSource(ctx context.Context, src Source) error {
	collected, err := src.Collect(ctx)
	if err != nil {
		return err
	}
	m.Set(src.SectionName(), FromMap(collected))
	return nil
}
