package versioned

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nagra-insight/pond/pkg/manifest"
)

const schemaBaseURL = "https://pond.schemas.local/"

const pinnedManifestSchema = `{
	"type": "object",
	"required": ["manifest_version", "artifact_name", "artifact_class", "version_name_class"],
	"properties": {
		"manifest_version": {"type": "integer", "minimum": 1},
		"artifact_name": {"type": "string", "minLength": 1},
		"artifact_class": {"type": "string", "minLength": 1},
		"version_name_class": {"enum": ["simple", "datetime", "run", "semver"]},
		"version_name_date_only": {"type": "boolean"},
		"version_name_run_id": {"type": "string", "pattern": "^[A-Za-z0-9_]*$"},
		"created_at": {"type": "string"}
	}
}`

const versionManifestSchema = `{
	"type": "object",
	"required": ["manifest_version", "artifact_name", "version_name", "data_filename", "artifact_class"],
	"properties": {
		"manifest_version": {"type": "integer", "minimum": 1},
		"artifact_name": {"type": "string", "minLength": 1},
		"version_name": {"type": "string", "minLength": 1},
		"data_filename": {"type": "string", "minLength": 1, "not": {"pattern": "/"}},
		"data_checksum": {"type": "string", "pattern": "^blake3:[0-9a-f]{64}$"},
		"artifact_class": {"type": "string", "minLength": 1},
		"created_at": {"type": "string"},
		"artifact": {"type": "object"}
	}
}`

var (
	pinnedSchema  = sync.OnceValues(func() (*jsonschema.Schema, error) { return compileSchema("pinned", pinnedManifestSchema) })
	versionSchema = sync.OnceValues(func() (*jsonschema.Schema, error) { return compileSchema("version", versionManifestSchema) })
)

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load %s manifest schema: %w", name, err)
	}
	return c.Compile(url)
}

// validateManifest checks the fixed keys of m against a manifest schema.
// Extra keys are allowed: user sections live next to the fixed ones.
func validateManifest(schema func() (*jsonschema.Schema, error), m *manifest.Manifest, location string) error {
	compiled, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(m.ToMap())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, location, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, location, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, location, err)
	}
	return nil
}
