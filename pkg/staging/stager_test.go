package staging

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniondrop/onionDrop/pkg/concurrency"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSingleFileIsGzippedNotZipped(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("oniondrop "), 100) // 1000 bytes
	path := filepath.Join(dir, "single.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m, err := NewStager().Stage([]string{path}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	assert.False(t, m.IsZipped)
	assert.Equal(t, path, m.DownloadFilename)
	assert.Equal(t, int64(len(content)), m.DownloadFilesize)
	require.NotEmpty(t, m.GzipFilename)
	assert.Greater(t, m.GzipFilesize, int64(0))

	// The gzip artifact must decompress to the original bytes.
	f, err := os.Open(m.GzipFilename)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestMultipleInputsAreZipped(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.txt", "bravo")
	sub := filepath.Join(dir, "docs")
	writeFile(t, dir, "docs/readme.md", "hello")
	writeFile(t, dir, "docs/deep/notes.txt", "notes")

	m, err := NewStager().Stage([]string{a, b, sub}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	assert.True(t, m.IsZipped)
	assert.Len(t, m.Info.Files, 2)
	assert.Len(t, m.Info.Dirs, 1)
	assert.Equal(t, int64(len("hello")+len("notes")), m.Info.Dirs[0].Size)

	zr, err := zip.OpenReader(m.DownloadFilename)
	require.NoError(t, err)
	defer zr.Close()

	members := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		members[f.Name] = string(data)
	}
	assert.Equal(t, map[string]string{
		"a.txt":               "alpha",
		"b.txt":               "bravo",
		"docs/readme.md":      "hello",
		"docs/deep/notes.txt": "notes",
	}, members)
}

func TestSingleDirectoryPromotesContents(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "share")
	writeFile(t, dir, "share/one.txt", "1")
	writeFile(t, dir, "share/two.txt", "22")

	m, err := NewStager().Stage([]string{root}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	// The directory's contents become the top-level entries, so two files
	// means a zip archive with no "share/" prefix on the members.
	assert.True(t, m.IsZipped)
	assert.Contains(t, m.Files, "one.txt")
	assert.Contains(t, m.Files, "two.txt")
	assert.Contains(t, m.RootFiles, "one.txt")
}

func TestSymlinksAreExcluded(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "real/data.txt", "real data")
	sub := filepath.Join(dir, "real")
	require.NoError(t, os.Symlink(target, filepath.Join(sub, "link.txt")))
	// A directory link cycle must not be followed.
	require.NoError(t, os.Symlink(sub, filepath.Join(sub, "cycle")))

	b := writeFile(t, dir, "b.txt", "bravo")

	m, err := NewStager().Stage([]string{sub, b}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	zr, err := zip.OpenReader(m.DownloadFilename)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"real/data.txt", "b.txt"}, names)
}

func TestArchiveMemberListIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	paths = append(paths, writeFile(t, dir, "z.txt", "zzz"))
	paths = append(paths, writeFile(t, dir, "a.txt", "aaa"))
	paths = append(paths, writeFile(t, dir, "m.txt", "mmm"))

	stager := NewStager()
	var runs [][]string
	for i := 0; i < 2; i++ {
		m, err := stager.Stage(paths, Options{})
		require.NoError(t, err)
		zr, err := zip.OpenReader(m.DownloadFilename)
		require.NoError(t, err)
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		zr.Close()
		m.Cleanup()
		runs = append(runs, names)
	}
	assert.Equal(t, runs[0], runs[1])
	assert.Equal(t, []string{"a.txt", "m.txt", "z.txt"}, runs[0])
}

func TestProgressCallbackReportsCumulativeBytes(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", "12345")
	b := writeFile(t, dir, "b.bin", "1234567890")

	var reports []int64
	_, err := NewStager().Stage([]string{a, b}, Options{
		ProcessedSize: func(n int64) { reports = append(reports, n) },
	})
	require.NoError(t, err)

	require.Len(t, reports, 2)
	assert.Equal(t, int64(5), reports[0])
	assert.Equal(t, int64(15), reports[1])
}

func TestStagingCancellation(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", "aaaa")
	b := writeFile(t, dir, "b.bin", "bbbb")

	stop := concurrency.NewStopFlag()
	stop.Set()

	_, err := NewStager().Stage([]string{a, b}, Options{Stop: stop})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestUnreadableInputsAreSkippedIndividually(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.txt", "bravo")
	missing := filepath.Join(dir, "no-such-file")

	m, err := NewStager().Stage([]string{a, missing, b}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	assert.Equal(t, []string{missing}, m.Skipped)
	assert.Len(t, m.Info.Files, 2)
}

func TestGzipFileIsMemoized(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.txt", "bravo")

	m, err := NewStager().Stage([]string{a, b}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	first, size1, err := m.GzipFile(a)
	require.NoError(t, err)
	info1, err := os.Stat(first)
	require.NoError(t, err)

	second, size2, err := m.GzipFile(a)
	require.NoError(t, err)
	info2, err := os.Stat(second)
	require.NoError(t, err)

	// Same artifact, not a recompression.
	assert.Equal(t, first, second)
	assert.Equal(t, size1, size2)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestDownloadChecksumMatchesArtifact(t *testing.T) {
	dir := t.TempDir()
	content := "checksum me"
	path := writeFile(t, dir, "file.txt", content)

	m, err := NewStager().Stage([]string{path}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), m.DownloadChecksum)
}

func TestArchiveChecksumIsPopulated(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.txt", "bravo")

	m, err := NewStager().Stage([]string{a, b}, Options{})
	require.NoError(t, err)
	defer m.Cleanup()

	require.True(t, m.IsZipped)
	assert.Len(t, m.DownloadChecksum, 64)

	want, err := fileSHA256(m.DownloadFilename)
	require.NoError(t, err)
	assert.Equal(t, want, m.DownloadChecksum)
}
