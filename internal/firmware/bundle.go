// Package firmware loads and indexes flashable firmware images: the
// Phase A .apj bundle format, and the Phase B per-device firmware directory
// convention.
package firmware

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInvalidBundle is returned when a .apj file cannot be parsed into a
// usable Bundle (malformed JSON, bad base64, corrupt zlib stream).
var ErrInvalidBundle = errors.New("firmware: invalid bundle")

// Bundle is an immutable, decoded firmware image ready to upload to a cube.
type Bundle struct {
	Path          string
	BoardID       uint32
	BoardRevision uint32
	Image         []byte
	ImageSize     uint32
	ExtfImage     []byte
	ExtfImageSize uint32
	HasExtfImage  bool
}

// apjDocument is the on-disk JSON shape of a .apj file.
type apjDocument struct {
	Image         string `json:"image"`
	ImageSize     uint32 `json:"image_size"`
	BoardID       uint32 `json:"board_id"`
	BoardRevision uint32 `json:"board_revision"`
	ExtfImage     string `json:"extf_image,omitempty"`
	ExtfImageSize uint32 `json:"extf_image_size,omitempty"`
}

// Load reads and decodes a .apj bundle from disk.
func Load(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", path, err)
	}
	return parse(path, raw)
}

func parse(path string, raw []byte) (*Bundle, error) {
	var doc apjDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, path, err)
	}

	image, err := decodeImage(doc.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: image: %v", ErrInvalidBundle, path, err)
	}
	image = padFF(image)

	b := &Bundle{
		Path:          path,
		BoardID:       doc.BoardID,
		BoardRevision: doc.BoardRevision,
		Image:         image,
		ImageSize:     doc.ImageSize,
	}

	if doc.ExtfImage != "" {
		extf, err := decodeImage(doc.ExtfImage)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: extf_image: %v", ErrInvalidBundle, path, err)
		}
		b.ExtfImage = padFF(extf)
		b.ExtfImageSize = doc.ExtfImageSize
		b.HasExtfImage = true
	}

	return b, nil
}

// decodeImage reverses the .apj encoding: base64, then zlib-compressed raw
// bytes.
func decodeImage(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("zlib open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	return out, nil
}

// padFF right-pads buf with 0xFF bytes until its length is a multiple of 4,
// matching how the bootloader treats unwritten flash words.
func padFF(buf []byte) []byte {
	rem := len(buf) % 4
	if rem == 0 {
		return buf
	}
	pad := 4 - rem
	out := make([]byte, len(buf)+pad)
	copy(out, buf)
	for i := len(buf); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}
