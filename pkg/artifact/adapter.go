// Package artifact holds the adapters that turn in-memory data into version
// payloads and back, and the registry that picks an adapter for a data type.
package artifact

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrArtifactNotFound = errors.New("artifact: no adapter registered for data type")
	ErrFormatNotFound   = errors.New("artifact: no adapter registered for data type and format")
	ErrUnknownClass     = errors.New("artifact: unknown artifact class")
	ErrUnsupportedData  = errors.New("artifact: unsupported data")
)

// Adapter serializes one family of data values.
//
// meta is the adapter's metadata section of the manifest. Serialize may read
// caller-supplied entries from it and add its own; Deserialize receives the
// stored section and may add entries recovered from the payload itself.
type Adapter interface {
	// ClassID is the stable identifier pinned in the artifact manifest.
	ClassID() string
	Serialize(data any, meta map[string]any) ([]byte, error)
	Deserialize(payload []byte, meta map[string]any) (any, error)
	// PreferredFilename maps a sanitized basename to the payload file name.
	PreferredFilename(basename string) string
}

// Appender is implemented by adapters whose data can be extended in place.
// Append returns the payload of existing with data added to it.
type Appender interface {
	Append(existing []byte, data any, meta map[string]any) ([]byte, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeBasename reduces s to characters safe in any backend path.
func SanitizeBasename(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "data"
	}
	return s
}

func withExt(basename, ext string) string {
	if strings.HasSuffix(basename, ext) {
		return basename
	}
	return basename + ext
}

func ensureMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
