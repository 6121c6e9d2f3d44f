package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// ReadJSON decodes the JSON document stored at p into v.
func ReadJSON(ctx context.Context, b Backend, p string, v any) error {
	data, err := b.Read(ctx, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt JSON at %s: %w", p, err)
	}
	return nil
}

// WriteJSON stores v at p in canonical (RFC 8785) form, so equal values
// always produce identical bytes.
func WriteJSON(ctx context.Context, b Backend, p string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", p, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", p, err)
	}
	return b.Write(ctx, p, canonical)
}

// ReadYAML decodes the YAML document stored at p into v.
func ReadYAML(ctx context.Context, b Backend, p string, v any) error {
	data, err := b.Read(ctx, p)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt YAML at %s: %w", p, err)
	}
	return nil
}

// WriteYAML stores v at p as YAML.
func WriteYAML(ctx context.Context, b Backend, p string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", p, err)
	}
	return b.Write(ctx, p, data)
}
