package image_list

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	c := New(dir, zap.NewNop())
	c.probe = func(string) (int, int, error) { return 640, 480, nil }
	return c, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestScanAdoptsNewImages(t *testing.T) {
	c, dir := newTestCatalog(t)
	writeFile(t, filepath.Join(dir, "photo.PNG"), "not really a png")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	require.NoError(t, c.Scan())
	images := c.Images()
	require.Len(t, images, 1)

	img := images[0]
	require.Equal(t, "photo.PNG", img.OriginalFilename)
	require.Equal(t, img.ID+".png", img.CurrentFilename)
	require.Equal(t, 640, img.Width)
	require.Equal(t, 480, img.Height)
	require.EqualValues(t, len("not really a png"), img.Bytes)

	require.FileExists(t, filepath.Join(dir, img.CurrentFilename))
	require.NoFileExists(t, filepath.Join(dir, "photo.PNG"))
	require.FileExists(t, filepath.Join(dir, img.ID+".json"))
	require.Equal(t, filepath.Join(dir, img.CurrentFilename), c.Path(img.ID))

	// A second scan reads the sidecar and keeps the id.
	c.probe = func(string) (int, int, error) { return 0, 0, errors.New("must not probe") }
	require.NoError(t, c.Scan())
	require.Equal(t, images, c.Images())
}

func TestScanSkipsUnreadableImages(t *testing.T) {
	c, dir := newTestCatalog(t)
	c.probe = func(string) (int, int, error) { return 0, 0, errors.New("corrupt") }
	writeFile(t, filepath.Join(dir, "broken.jpg"), "x")

	require.NoError(t, c.Scan())
	require.Empty(t, c.Images())
	// Not renamed, so a fixed file is picked up later.
	require.FileExists(t, filepath.Join(dir, "broken.jpg"))
}

func TestScanDropsStaleSidecars(t *testing.T) {
	c, dir := newTestCatalog(t)

	sidecar := func(name string, img ImageInfo) {
		data, err := json.Marshal(img)
		require.NoError(t, err)
		writeFile(t, filepath.Join(dir, name), string(data))
	}
	writeFile(t, filepath.Join(dir, "aaa.tif"), "tif")
	sidecar("aaa.json", ImageInfo{ID: "aaa", CurrentFilename: "aaa.tif", Width: 10, Height: 20})
	sidecar("bbb.json", ImageInfo{ID: "zzz", CurrentFilename: "aaa.tif"})
	sidecar("ccc.json", ImageInfo{ID: "ccc", CurrentFilename: "ccc.tif"})
	writeFile(t, filepath.Join(dir, "ddd.json"), "{broken")

	require.NoError(t, c.Scan())

	require.FileExists(t, filepath.Join(dir, "aaa.json"))
	require.NoFileExists(t, filepath.Join(dir, "bbb.json"))
	require.NoFileExists(t, filepath.Join(dir, "ccc.json"))
	require.NoFileExists(t, filepath.Join(dir, "ddd.json"))

	img, ok := c.Image("aaa")
	require.True(t, ok)
	require.Equal(t, 10, img.Width)
	require.Len(t, c.Images(), 1)

	_, ok = c.Image("ccc")
	require.False(t, ok)
	require.Empty(t, c.Path("ccc"))
}

func TestScanCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	c := New(dir, zap.NewNop())
	require.NoError(t, c.Scan())
	require.DirExists(t, dir)
	require.Empty(t, c.Images())
}
