package web

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/oniondrop/onionDrop/pkg/events"
)

// ChunkSize is the fixed read size for both archive and individual-file
// streaming. 100 KiB balances progress granularity against overhead.
const ChunkSize = 100 * 1024

// streamKinds selects which event kinds a stream posts, so archive downloads
// and individual-file views show up separately in history.
type streamKinds struct {
	progress events.Kind
	canceled events.Kind
}

var archiveKinds = streamKinds{progress: events.Progress, canceled: events.Canceled}
var individualKinds = streamKinds{progress: events.IndividualFileProgress, canceled: events.IndividualFileCanceled}

// streamChunks copies src to the response in fixed-size chunks, posting a
// progress event per chunk and polling the cooperative stop flag before each
// read so an external stop takes effect within one chunk's latency. A write
// failure (peer disconnect) is normalized to the same canceled event; the
// raw I/O error is never surfaced to the client beyond a truncated body.
// Exactly one canceled event is posted per call on failure.
func (s *Server) streamChunks(w http.ResponseWriter, src io.Reader, total int64, histID int, path string, kinds streamKinds) bool {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, ChunkSize)
	var sent int64

	cancel := func(reason string) {
		slog.Info("Transfer canceled", "path", path, "id", histID, "reason", reason, "bytes", sent)
		s.bus.Post(kinds.canceled, path, map[string]any{"id": histID, "bytes": sent})
	}

	for {
		if s.stop.IsSet() {
			cancel("stop requested")
			return false
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				cancel("client disconnected")
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent += int64(n)
			data := map[string]any{"id": histID, "bytes": sent, "total": total}
			if total > 0 {
				data["percent"] = float64(sent) / float64(total) * 100.0
			}
			s.bus.Post(kinds.progress, path, data)
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			cancel("read failed")
			return false
		}
	}
}
