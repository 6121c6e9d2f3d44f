package artifact

import "fmt"

// Bytes stores raw byte slices unchanged.
type Bytes struct{}

func (Bytes) ClassID() string { return "bytes" }

func (Bytes) PreferredFilename(basename string) string { return withExt(basename, ".bin") }

func (Bytes) Serialize(data any, _ map[string]any) ([]byte, error) {
	b, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: bytes adapter got %T", ErrUnsupportedData, data)
	}
	return append([]byte(nil), b...), nil
}

func (Bytes) Deserialize(payload []byte, _ map[string]any) (any, error) {
	return payload, nil
}

// Append concatenates.
func (b Bytes) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	more, err := b.Serialize(data, meta)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), existing...), more...), nil
}

// Text stores strings as UTF-8 text.
type Text struct{}

func (Text) ClassID() string { return "text" }

func (Text) PreferredFilename(basename string) string { return withExt(basename, ".txt") }

func (Text) Serialize(data any, _ map[string]any) ([]byte, error) {
	s, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("%w: text adapter got %T", ErrUnsupportedData, data)
	}
	return []byte(s), nil
}

func (Text) Deserialize(payload []byte, _ map[string]any) (any, error) {
	return string(payload), nil
}

func (t Text) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	more, err := t.Serialize(data, meta)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), existing...), more...), nil
}
