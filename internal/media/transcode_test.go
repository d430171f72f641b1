package media

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withDimensions rewrites the IHDR chunk of a PNG so it declares w x h.
func withDimensions(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestEncodeJPEGScalesDown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 300, 100))))

	out, err := EncodeJPEG(buf.Bytes(), 80, 150)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 150, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestEncodeJPEGRejectsHugeDeclaredDimensions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	bomb := withDimensions(t, buf.Bytes(), 100_000, 100_000)

	_, err := EncodeJPEG(bomb, 80, 0)
	assert.ErrorIs(t, err, ErrProcessing)
	assert.Contains(t, err.Error(), "100000x100000")
}

func TestEncodeJPEGRejectsGarbage(t *testing.T) {
	_, err := EncodeJPEG([]byte("not an image"), 80, 0)
	assert.ErrorIs(t, err, ErrProcessing)
}
