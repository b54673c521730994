package web

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniondrop/onionDrop/pkg/events"
)

func TestAllocateUploadDirSuffixesCollisions(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 9, 1, 15, 4, 5, 0, time.UTC)

	var names []string
	for i := 0; i < 3; i++ {
		_, name, _, err := allocateUploadDir(root, now)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"150405", "150405-1", "150405-2"}, names)
}

func TestAllocateUploadDirExhaustion(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 9, 1, 15, 4, 5, 0, time.UTC)
	dateDir := filepath.Join(root, "2026-09-01")
	require.NoError(t, os.MkdirAll(dateDir, 0o755))

	require.NoError(t, os.Mkdir(filepath.Join(dateDir, "150405"), 0o755))
	for i := 1; i <= maxDirAttempts; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dateDir, fmt.Sprintf("150405-%d", i)), 0o755))
	}

	_, _, _, err := allocateUploadDir(root, now)
	assert.ErrorIs(t, err, errDirExhausted)
}

func TestUploadEndToEnd(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	body, contentType := multipartBody(t, map[string][]byte{"test.txt": []byte("oniondrop!")}, "")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	// The file landed at <root>/<date>/<time>/test.txt with identical bytes.
	dates, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	times, err := os.ReadDir(filepath.Join(root, dates[0].Name()))
	require.NoError(t, err)
	require.Len(t, times, 1)
	saved, err := os.ReadFile(filepath.Join(root, dates[0].Name(), times[0].Name(), "test.txt"))
	require.NoError(t, err)
	assert.Equal(t, "oniondrop!", string(saved))

	evs := srv.Bus().DrainNonBlocking()
	started := eventsOfKind(evs, events.Started)
	require.Len(t, started, 1)
	finished := eventsOfKind(evs, events.UploadFinished)
	require.Len(t, finished, 1)

	progress := eventsOfKind(evs, events.Progress)
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	snapshot := last.Data["progress"].(map[string]map[string]any)
	assert.Equal(t, int64(10), snapshot["test.txt"]["uploaded_bytes"])

	// In-progress counter returns to zero.
	assert.Equal(t, 0, srv.InProgressCount())
}

func TestUploadAtMostOneStarted(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	body, contentType := multipartBody(t, map[string][]byte{
		"a.txt": []byte("aaaa"),
		"b.txt": []byte("bbbb"),
		"c.txt": []byte("cccc"),
	}, "")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	evs := srv.Bus().DrainNonBlocking()
	assert.Len(t, eventsOfKind(evs, events.Started), 1)
	assert.Len(t, eventsOfKind(evs, events.UploadFinished), 1)
}

func TestUploadProgressMonotonic(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	big := bytes.Repeat([]byte("x"), 3*ChunkSize)
	body, contentType := multipartBody(t, map[string][]byte{"big.bin": big}, "")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	evs := srv.Bus().DrainNonBlocking()
	var prev int64
	for _, ev := range eventsOfKind(evs, events.Progress) {
		snapshot := ev.Data["progress"].(map[string]map[string]any)
		got := snapshot["big.bin"]["uploaded_bytes"].(int64)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, int64(len(big)), prev)
}

func TestUploadMessageOnly(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	body, contentType := multipartBody(t, nil, "hello from afar")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	evs := srv.Bus().DrainNonBlocking()
	msgs := eventsOfKind(evs, events.UploadIncludesMessage)
	require.Len(t, msgs, 1)
	msgPath := msgs[0].Data["path"].(string)
	content, err := os.ReadFile(msgPath)
	require.NoError(t, err)
	assert.Equal(t, "hello from afar", string(content))

	// The message sits alongside the upload directory, not inside it, and
	// the empty upload directory was removed.
	assert.True(t, len(filepath.Base(msgPath)) > len("-message.txt"))
	dir := msgPath[:len(msgPath)-len("-message.txt")]
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadDuplicateNamesAreRenamed(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	// multipartBody uses a map, so build duplicates by hand.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i := 0; i < 2; i++ {
		fw, err := w.CreateFormFile("file[]", "same.txt")
		require.NoError(t, err)
		fmt.Fprintf(fw, "copy %d", i)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	evs := srv.Bus().DrainNonBlocking()
	renames := eventsOfKind(evs, events.UploadFileRenamed)
	require.Len(t, renames, 1)
	assert.Equal(t, "same.txt", renames[0].Data["old"])
	assert.Equal(t, "same (1).txt", renames[0].Data["new"])
}

// stopAfterReader sets the server stop flag once n bytes have been read
// through it, simulating an external stop mid-upload.
type stopAfterReader struct {
	r    io.Reader
	srv  *Server
	n    int
	read int
}

func (s *stopAfterReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.read += n
	if s.read >= s.n {
		s.srv.stop.Set()
	}
	return n, err
}

func TestUploadCanceledMidWriteLeavesPartFile(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	big := bytes.Repeat([]byte("y"), 5*ChunkSize)
	body, contentType := multipartBody(t, map[string][]byte{"big.bin": big}, "")

	req := httptest.NewRequest("POST", "/upload", &stopAfterReader{
		r:   body,
		srv: srv,
		n:   2 * ChunkSize,
	})
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	evs := srv.Bus().DrainNonBlocking()
	assert.Len(t, eventsOfKind(evs, events.UploadCanceled), 1)
	assert.Empty(t, eventsOfKind(evs, events.UploadFinished))
	assert.Equal(t, 0, srv.InProgressCount())

	// The partial file keeps its .part suffix; the final name never appears.
	var foundPart, foundFinal bool
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		switch filepath.Base(path) {
		case "big.bin.part":
			foundPart = true
		case "big.bin":
			foundFinal = true
		}
		return nil
	})
	assert.True(t, foundPart, "expected big.bin.part on disk")
	assert.False(t, foundFinal, "big.bin must not be renamed into place")
}

func TestUploadSetDirEvent(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	body, contentType := multipartBody(t, map[string][]byte{"f.txt": []byte("data")}, "")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	evs := srv.Bus().DrainNonBlocking()
	setDirs := eventsOfKind(evs, events.UploadSetDir)
	require.Len(t, setDirs, 1)
	assert.Contains(t, setDirs[0].Data["dir"].(string), root)
}

func TestUploadAjaxResponse(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, Options{Mode: ModeReceive, Public: true, DataRoot: root})

	body, contentType := multipartBody(t, map[string][]byte{"f.txt": []byte("data")}, "")
	req := httptest.NewRequest("POST", "/upload-ajax", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), "f.txt")
}
