package web

import (
	"bytes"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oniondrop/onionDrop/pkg/events"
	"github.com/oniondrop/onionDrop/pkg/staging"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := New(opts)
	require.NoError(t, err)
	return srv
}

func stageFiles(t *testing.T, srv *Server, paths ...string) *staging.Manifest {
	t.Helper()
	m, err := staging.NewStager().Stage(paths, staging.Options{})
	require.NoError(t, err)
	t.Cleanup(m.Cleanup)
	srv.SetManifest(m)
	return m
}

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// multipartBody builds a multipart form body with the given files and an
// optional text message.
func multipartBody(t *testing.T, files map[string][]byte, text string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile("file[]", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	if text != "" {
		require.NoError(t, w.WriteField("text", text))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func eventsOfKind(evs []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
