package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack(t *testing.T) {
	src := t.TempDir()
	dataDir := filepath.Join(src, "client0")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "data.csv"), []byte("a,b\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "nested", "labels.csv"), []byte("y\n1\n"), 0o644))
	single := filepath.Join(src, "params.yml")
	require.NoError(t, os.WriteFile(single, []byte("k: v\n"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, []string{dataDir, single}))

	dest := t.TempDir()
	files, err := Unpack(&buf, dest)
	require.NoError(t, err)

	rel := make([]string, 0, len(files))
	for _, f := range files {
		r, err := filepath.Rel(dest, f)
		require.NoError(t, err)
		rel = append(rel, filepath.ToSlash(r))
	}
	sort.Strings(rel)

	assert.Equal(t, []string{"client0/data.csv", "client0/nested/labels.csv", "params.yml"}, rel)

	got, err := os.ReadFile(filepath.Join(dest, "client0", "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
}

func TestPackFileReportsSize(t *testing.T) {
	src := t.TempDir()
	p := filepath.Join(src, "x.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	archivePath := filepath.Join(t.TempDir(), "out.tar.gz")
	size, err := PackFile(archivePath, []string{p})
	require.NoError(t, err)
	assert.Positive(t, size)

	files, err := UnpackFile(archivePath, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUnpackRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	_, err = Unpack(&buf, t.TempDir())
	assert.ErrorIs(t, err, errUnsafePath)
}
