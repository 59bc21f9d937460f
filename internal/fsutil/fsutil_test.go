package fsutil

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	body string
	mode int64
	dir  bool
}

func writeTar(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	path := filepath.Join(t.TempDir(), "snap.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExtractTar(t *testing.T) {
	archive := writeTar(t, []tarEntry{
		{name: "Marlin/", dir: true, mode: 0o755},
		{name: "Marlin/Configuration.h", body: "#define X 1", mode: 0o644},
		{name: "buildroot/bin/tool", body: "#!/bin/sh", mode: 0o755},
	})
	dest := t.TempDir()

	require.NoError(t, ExtractTar(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "Marlin", "Configuration.h"))
	require.NoError(t, err)
	assert.Equal(t, "#define X 1", string(data))

	info, err := os.Stat(filepath.Join(dest, "buildroot", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestExtractTarRejectsTraversal(t *testing.T) {
	archive := writeTar(t, []tarEntry{{name: "../evil", body: "x", mode: 0o644}})
	err := ExtractTar(archive, t.TempDir())
	assert.Error(t, err)
}

func TestCopyFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "Configuration.h"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Configuration_adv.h"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".hidden"), []byte("c"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "x.h"), []byte("d"), 0o644))

	dst := filepath.Join(t.TempDir(), "Marlin")
	n, err := CopyFiles(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.Equal(t, []string{"Configuration.h", "Configuration_adv.h"}, got)
}

func TestCopyFilesMissingSource(t *testing.T) {
	_, err := CopyFiles(filepath.Join(t.TempDir(), "missing"), t.TempDir())
	assert.Error(t, err)
}

func TestSHA256FileMatchesContent(t *testing.T) {
	// larger than one block so the streamed path is exercised
	content := bytes.Repeat([]byte("firmware"), 3*HashBlockSize)
	path := filepath.Join(t.TempDir(), "firmware.hex")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := SHA256File(path)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}
