package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// PNGImage stores image.Image values as PNG. Scalar metadata is embedded as
// tEXt chunks.
type PNGImage struct{}

func (PNGImage) ClassID() string { return "png_image" }

func (PNGImage) PreferredFilename(basename string) string { return withExt(basename, ".png") }

func (PNGImage) Serialize(data any, meta map[string]any) ([]byte, error) {
	img, ok := data.(image.Image)
	if !ok {
		return nil, fmt.Errorf("%w: png adapter got %T", ErrUnsupportedData, data)
	}
	meta = ensureMeta(meta)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	out, err := insertTextChunks(buf.Bytes(), embeddable(meta))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	meta["width"] = b.Dx()
	meta["height"] = b.Dy()
	return out, nil
}

func (PNGImage) Deserialize(payload []byte, meta map[string]any) (any, error) {
	img, err := png.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("png payload: %w", err)
	}
	if meta != nil {
		for k, v := range readTextChunks(payload) {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}
	return img, nil
}

// insertTextChunks places tEXt chunks right after IHDR.
func insertTextChunks(encoded []byte, entries [][2]string) ([]byte, error) {
	// signature + IHDR (length, type, 13 data bytes, crc)
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	if len(encoded) < ihdrEnd || !bytes.Equal(encoded[:8], pngSignature) {
		return nil, fmt.Errorf("png encode: unexpected stream layout")
	}
	if len(entries) == 0 {
		return encoded, nil
	}
	var buf bytes.Buffer
	buf.Write(encoded[:ihdrEnd])
	for _, kv := range entries {
		if len(kv[0]) == 0 || len(kv[0]) > 79 {
			continue
		}
		body := append(append([]byte(kv[0]), 0), kv[1]...)
		writeChunk(&buf, "tEXt", body)
	}
	buf.Write(encoded[ihdrEnd:])
	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, kind string, body []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	copy(header[4:], kind)
	buf.Write(header[:])
	buf.Write(body)
	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}

func readTextChunks(payload []byte) map[string]any {
	out := map[string]any{}
	pos := 8
	for pos+8 <= len(payload) {
		n := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
		kind := string(payload[pos+4 : pos+8])
		start, end := pos+8, pos+8+n
		if n < 0 || end+4 > len(payload) {
			break
		}
		if kind == "tEXt" {
			if key, value, ok := bytes.Cut(payload[start:end], []byte{0}); ok {
				out[string(key)] = string(value)
			}
		}
		if kind == "IEND" {
			break
		}
		pos = end + 4
	}
	return out
}
