package media

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/character-chat/internal/apperr"
)

// Smallest valid PNG: signature plus IHDR, IDAT and IEND chunks.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
	0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41, 0x54,
	0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00, 0x05, 0x00, 0x01,
	0x0d, 0x0a, 0x2d, 0xb4,
	0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestDisk_PutImage(t *testing.T) {
	dir := t.TempDir()
	d := NewDisk(dir, "https://cdn.test/media/", 0)

	obj, err := d.Put(context.Background(), 7, bytes.NewReader(tinyPNG))
	require.NoError(t, err)
	require.Equal(t, "image/png", obj.MIME)
	require.True(t, strings.HasPrefix(obj.URL, "https://cdn.test/media/backgrounds/"))
	require.True(t, strings.HasSuffix(obj.Key, ".png"))
	require.Equal(t, int64(len(tinyPNG)), obj.Size)

	stored, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(obj.Key)))
	require.NoError(t, err)
	require.Equal(t, tinyPNG, stored)

	leftovers, err := filepath.Glob(filepath.Join(dir, "backgrounds", ".upload-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestDisk_Rejects(t *testing.T) {
	d := NewDisk(t.TempDir(), "/media", 64)
	ctx := context.Background()

	_, err := d.Put(ctx, 1, strings.NewReader("just some text, not an image"))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = d.Put(ctx, 1, bytes.NewReader(nil))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	big := append(append([]byte{}, tinyPNG...), make([]byte, 64)...)
	_, err = d.Put(ctx, 1, bytes.NewReader(big))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = d.Put(ctx, 0, bytes.NewReader(tinyPNG))
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
}
