package firmware

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func compressToBase64(t *testing.T, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func writeBundle(t *testing.T, dir, name string, doc apjDocument) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLoadDecodesImageAndPads(t *testing.T) {
	dir := t.TempDir()
	image := []byte{0xDE, 0xAD, 0xBE} // 3 bytes, needs 1 byte of 0xFF padding
	path := writeBundle(t, dir, "test.apj", apjDocument{
		Image:         compressToBase64(t, image),
		ImageSize:     uint32(len(image)),
		BoardID:       140,
		BoardRevision: 2,
	})

	b, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 140, b.BoardID)
	require.EqualValues(t, 2, b.BoardRevision)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xFF}, b.Image)
	require.False(t, b.HasExtfImage)
}

func TestLoadDecodesExtfImage(t *testing.T) {
	dir := t.TempDir()
	image := []byte{1, 2, 3, 4}
	extf := []byte{5, 6}
	path := writeBundle(t, dir, "extf.apj", apjDocument{
		Image:         compressToBase64(t, image),
		ImageSize:     uint32(len(image)),
		BoardID:       9,
		ExtfImage:     compressToBase64(t, extf),
		ExtfImageSize: uint32(len(extf)),
	})

	b, err := Load(path)
	require.NoError(t, err)
	require.True(t, b.HasExtfImage)
	require.Equal(t, []byte{5, 6, 0xFF, 0xFF}, b.ExtfImage)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.apj")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidBundle)
}

func TestLoadRejectsBadImageEncoding(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "badimg.apj", apjDocument{
		Image:   "not-base64!!!",
		BoardID: 1,
	})
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidBundle)
}
