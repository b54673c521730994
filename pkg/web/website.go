package web

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/oniondrop/onionDrop/pkg/events"
)

// handleWebsite serves the staged directory tree as a static site. A
// directory path resolves its index.html before falling back to a listing,
// and directory URLs are redirected to a trailing-slash form so the page's
// relative asset links stay correct.
func (s *Server) handleWebsite(w http.ResponseWriter, r *http.Request) {
	m := s.getManifest()
	if m == nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}

	key := strings.Trim(r.URL.Path, "/")

	if fsPath, ok := m.Files[key]; ok && key != "" {
		s.serveWebsiteFile(w, r, key, fsPath)
		return
	}

	entries, isDir := listManifestDir(m, key)
	if !isDir && key != "" {
		s.errorPage(w, r, http.StatusNotFound)
		return
	}

	// Directory hit without a trailing slash: redirect so relative links
	// inside the served pages resolve against the directory.
	if key != "" && !strings.HasSuffix(r.URL.Path, "/") {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusFound)
		return
	}

	indexKey := "index.html"
	if key != "" {
		indexKey = key + "/index.html"
	}
	if fsPath, ok := m.Files[indexKey]; ok {
		s.serveWebsiteFile(w, r, indexKey, fsPath)
		return
	}

	s.bus.Post(events.Load, r.URL.Path, map[string]any{"method": r.Method})
	s.renderListing(w, key, entries)
}

func (s *Server) serveWebsiteFile(w http.ResponseWriter, r *http.Request, key, fsPath string) {
	m := s.getManifest()
	histID := s.newHistoryID()
	s.bus.Post(events.IndividualFileStarted, "/"+key, map[string]any{"id": histID, "status": http.StatusOK})
	s.markInProgress(histID)
	defer s.clearInProgress(histID)

	info, err := os.Stat(fsPath)
	if err != nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}
	srcPath := fsPath
	size := info.Size()

	contentType := contentTypeFor(key, fsPath)

	if clientAcceptsGzip(r) {
		gzPath, gzSize, err := m.GzipFile(fsPath)
		if err != nil {
			slog.Warn("Failed to gzip site asset, serving raw", "path", fsPath, "error", err)
		} else {
			srcPath = gzPath
			size = gzSize
			w.Header().Set("Content-Encoding", "gzip")
		}
	}

	f, err := os.Open(srcPath)
	if err != nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	s.streamChunks(w, f, size, histID, "/"+key, individualKinds)
}

// contentTypeFor prefers the extension for text-ish web types, where
// sniffing file content misfires (a css file sniffs as text/plain), and
// falls back to content detection for everything else.
func contentTypeFor(key, fsPath string) string {
	switch {
	case strings.HasSuffix(key, ".html"), strings.HasSuffix(key, ".htm"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(key, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(key, ".js"):
		return "text/javascript; charset=utf-8"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".svg"):
		return "image/svg+xml"
	}
	if mt, err := mimetype.DetectFile(fsPath); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}
