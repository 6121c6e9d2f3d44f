package artifact

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Encoder and decoder are safe for concurrent use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifact: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifact: zstd decoder initialization failed: " + err.Error())
	}
}

type compressed struct {
	inner Adapter
}

// Compressed wraps inner so payloads are stored zstd-compressed. The class
// id is inner's id with CompressedSuffix appended.
func Compressed(inner Adapter) Adapter {
	return compressed{inner: inner}
}

func (c compressed) ClassID() string { return c.inner.ClassID() + CompressedSuffix }

func (c compressed) PreferredFilename(basename string) string {
	return withExt(c.inner.PreferredFilename(basename), ".zst")
}

func (c compressed) Serialize(data any, meta map[string]any) ([]byte, error) {
	raw, err := c.inner.Serialize(data, meta)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (c compressed) Deserialize(payload []byte, meta map[string]any) (any, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return c.inner.Deserialize(raw, meta)
}

func (c compressed) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	ap, ok := AsAppender(c.inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot append", ErrUnsupportedData, c.inner.ClassID())
	}
	raw, err := zstdDecoder.DecodeAll(existing, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	merged, err := ap.Append(raw, data, meta)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(merged, nil), nil
}

func (c compressed) appendable() bool {
	_, ok := AsAppender(c.inner)
	return ok
}

// AsAppender returns a's Appender when a supports appending.
func AsAppender(a Adapter) (Appender, bool) {
	ap, ok := a.(Appender)
	if !ok {
		return nil, false
	}
	if w, isWrapper := a.(interface{ appendable() bool }); isWrapper && !w.appendable() {
		return nil, false
	}
	return ap, true
}
