package artifact

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("artifact: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("artifact: CBOR decoder initialization failed: " + err.Error())
	}
}

// JSON stores JSON-compatible values. Lists can be appended to.
type JSON struct{}

func (JSON) ClassID() string { return "json" }

func (JSON) PreferredFilename(basename string) string { return withExt(basename, ".json") }

func (JSON) Serialize(data any, _ map[string]any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
	}
	return append(b, '\n'), nil
}

func (JSON) Deserialize(payload []byte, _ map[string]any) (any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("json payload: %w", err)
	}
	return v, nil
}

func (j JSON) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	current, err := j.Deserialize(existing, meta)
	if err != nil {
		return nil, err
	}
	list, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: stored json value is %T, not a list", ErrUnsupportedData, current)
	}
	more, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: can only append a list to a json list, got %T", ErrUnsupportedData, data)
	}
	return j.Serialize(append(list, more...), meta)
}

// YAML stores YAML documents.
type YAML struct{}

func (YAML) ClassID() string { return "yaml" }

func (YAML) PreferredFilename(basename string) string { return withExt(basename, ".yaml") }

func (YAML) Serialize(data any, _ map[string]any) ([]byte, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
	}
	return b, nil
}

func (YAML) Deserialize(payload []byte, _ map[string]any) (any, error) {
	var v any
	if err := yaml.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("yaml payload: %w", err)
	}
	return v, nil
}

// CBOR stores values with core deterministic CBOR encoding.
type CBOR struct{}

func (CBOR) ClassID() string { return "cbor" }

func (CBOR) PreferredFilename(basename string) string { return withExt(basename, ".cbor") }

func (CBOR) Serialize(data any, _ map[string]any) ([]byte, error) {
	b, err := cborEncMode.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
	}
	return b, nil
}

func (CBOR) Deserialize(payload []byte, _ map[string]any) (any, error) {
	var v any
	if err := cborDecMode.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("cbor payload: %w", err)
	}
	return v, nil
}
