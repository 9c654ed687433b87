package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/tiles/images", 0755))
	require.NoError(t, mfs.WriteFile("/tiles/images/a_000.tif", []byte("abc"), 0644))

	data, err := mfs.ReadFile("/tiles/images/a_000.tif")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestMemoryFileSystem_WriteRequiresParent(t *testing.T) {
	mfs := NewMemoryFileSystem()
	err := mfs.WriteFile("/missing/x.tif", []byte("x"), 0644)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = mfs.Create("/missing/y.tif")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_ListFiles(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/root/images/nested", 0755))
	for _, n := range []string{"b.tif", "a.tif", "c.txt"} {
		require.NoError(t, mfs.WriteFile(filepath.Join("/root/images", n), nil, 0644))
	}
	require.NoError(t, mfs.WriteFile("/root/images/nested/deep.tif", nil, 0644))

	names, err := mfs.ListFiles("/root/images")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tif", "b.tif", "c.txt"}, names)
	assert.Equal(t, []string{"a.tif", "b.tif"}, FilterExt(names, ".TIF"))

	_, err = mfs.ListFiles("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, mfs.MkdirAll("/root/images/alpha", 0755))
	dirs, err := mfs.ListDirs("/root/images")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "nested"}, dirs)
}

func TestOSFileSystem_ListDirs(t *testing.T) {
	dir := t.TempDir()
	osfs := OSFileSystem{}
	require.NoError(t, osfs.MkdirAll(filepath.Join(dir, "S2B_20230801"), 0755))
	require.NoError(t, osfs.MkdirAll(filepath.Join(dir, "S2A_20230715"), 0755))
	require.NoError(t, osfs.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	dirs, err := osfs.ListDirs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2A_20230715", "S2B_20230801"}, dirs)
}

func TestCopyFile_Memory(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/src", 0755))
	require.NoError(t, mfs.MkdirAll("/dst", 0755))
	require.NoError(t, mfs.WriteFile("/src/t.tif", []byte("tile"), 0644))

	require.NoError(t, CopyFile(mfs, "/src/t.tif", "/dst/t.tif"))

	got, err := mfs.ReadFile("/dst/t.tif")
	require.NoError(t, err)
	assert.Equal(t, "tile", string(got))
	assert.True(t, mfs.Exists("/src/t.tif"), "source must survive a copy")
}

func TestCopyFile_MissingSource(t *testing.T) {
	mfs := NewMemoryFileSystem()
	err := CopyFile(mfs, "/nope.tif", "/out.tif")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_StatDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/a/b", 0755))

	info, err := mfs.Stat("/a")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, mfs.Exists("/a/b"))
	assert.False(t, mfs.Exists("/a/c"))
}

func TestOSFileSystem_RoundTrip(t *testing.T) {
	osfs := OSFileSystem{}
	dir := t.TempDir()
	sub := filepath.Join(dir, "labels")
	require.NoError(t, osfs.MkdirAll(sub, 0755))
	require.NoError(t, osfs.WriteFile(filepath.Join(sub, "x.tif"), []byte("1"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(sub, "skipdir"), 0755))

	names, err := osfs.ListFiles(sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.tif"}, names)

	require.NoError(t, CopyFile(osfs, filepath.Join(sub, "x.tif"), filepath.Join(dir, "y.tif")))
	assert.True(t, osfs.Exists(filepath.Join(dir, "y.tif")))
}
