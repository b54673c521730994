package web

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/oniondrop/onionDrop/pkg/events"
	"github.com/oniondrop/onionDrop/pkg/staging"
)

type listedEntry struct {
	Name      string
	Href      string
	SizeHuman string
}

type sharePageData struct {
	Title             string
	StaticToken       string
	Browsable         bool
	TotalSizeHuman    string
	DownloadSizeHuman string
	Checksum          string
	Files             []listedEntry
	Dirs              []listedEntry
}

func clientAcceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) handleShareIndex(w http.ResponseWriter, r *http.Request) {
	m := s.getManifest()
	if m == nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}
	s.bus.Post(events.Load, r.URL.Path, map[string]any{"method": r.Method})

	data := sharePageData{
		Title:             s.title(),
		StaticToken:       s.staticToken,
		Browsable:         s.opts.IndividualFileBrowsing,
		TotalSizeHuman:    humanize.Bytes(uint64(m.TotalSize())),
		DownloadSizeHuman: humanize.Bytes(uint64(m.DownloadFilesize)),
		Checksum:          m.DownloadChecksum,
	}
	for _, f := range m.Info.Files {
		data.Files = append(data.Files, listedEntry{Name: f.Name, SizeHuman: humanize.Bytes(uint64(f.Size))})
	}
	for _, d := range m.Info.Dirs {
		data.Dirs = append(data.Dirs, listedEntry{Name: d.Name, SizeHuman: humanize.Bytes(uint64(d.Size))})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, "share.html", data); err != nil {
		slog.Warn("Failed to render share page", "error", err)
	}
}

// handleDownload streams the prepared archive, or the single original file,
// as one chunked response. When autostop-after-first-download is on, a
// successful full-stream completion triggers a server shutdown; a canceled
// transfer does not.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	m := s.getManifest()
	if m == nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}

	histID := s.newHistoryID()
	s.bus.Post(events.Started, r.URL.Path, map[string]any{"id": histID})
	s.markInProgress(histID)
	defer s.clearInProgress(histID)

	srcPath := m.DownloadFilename
	size := m.DownloadFilesize
	name := filepath.Base(m.DownloadFilename)
	contentType := "application/octet-stream"
	if m.IsZipped {
		contentType = "application/zip"
	} else if mt, err := mimetype.DetectFile(srcPath); err == nil {
		contentType = mt.String()
	}

	// gzip only applies when there is no archive; a zip is already
	// compressed and recompressing it buys nothing.
	gzipped := !m.IsZipped && clientAcceptsGzip(r)
	if gzipped {
		srcPath = m.GzipFilename
		size = m.GzipFilesize
		w.Header().Set("Content-Encoding", "gzip")
	}

	f, err := os.Open(srcPath)
	if err != nil {
		slog.Error("Failed to open download source", "path", srcPath, "error", err)
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)

	if !s.streamChunks(w, f, size, histID, r.URL.Path, archiveKinds) {
		return
	}

	s.recordDownload()
	slog.Info("Download completed", "id", histID, "bytes", size)
	if s.opts.AutostopSharing {
		s.requestShutdown()
	}
}

// handleIndividualFile serves one file out of the manifest, or a directory
// listing, when individual-file browsing is enabled for this share.
func (s *Server) handleIndividualFile(w http.ResponseWriter, r *http.Request) {
	if !s.opts.IndividualFileBrowsing {
		s.errorPage(w, r, http.StatusNotFound)
		return
	}
	m := s.getManifest()
	if m == nil {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}

	key := strings.Trim(r.URL.Path, "/")
	if fsPath, ok := m.Files[key]; ok {
		s.serveIndividualFile(w, r, m, key, fsPath)
		return
	}
	if entries, ok := listManifestDir(m, key); ok {
		s.renderListing(w, key, entries)
		return
	}
	s.errorPage(w, r, http.StatusNotFound)
}

func (s *Server) serveIndividualFile(w http.ResponseWriter, r *http.Request, m *staging.Manifest, key, fsPath string) {
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

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(fsPath); err == nil {
		contentType = mt.String()
	}

	if clientAcceptsGzip(r) {
		gzPath, gzSize, err := m.GzipFile(fsPath)
		if err != nil {
			slog.Warn("Failed to gzip individual file, serving raw", "path", fsPath, "error", err)
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

// listManifestDir collects the immediate children of a directory key from
// the flat manifest file map. Returns ok=false when no file lives under the
// key, which the caller treats as a 404.
func listManifestDir(m *staging.Manifest, key string) (listingData, bool) {
	var out listingData
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	seenDirs := map[string]bool{}
	found := false
	for name, fsPath := range m.Files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		found = true
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dir := rest[:i]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				out.Dirs = append(out.Dirs, listedEntry{Name: dir, Href: "/" + prefix + dir})
			}
			continue
		}
		size := int64(0)
		if info, err := os.Stat(fsPath); err == nil {
			size = info.Size()
		}
		out.Files = append(out.Files, listedEntry{
			Name:      rest,
			Href:      "/" + name,
			SizeHuman: humanize.Bytes(uint64(size)),
		})
	}
	sort.Slice(out.Dirs, func(i, j int) bool { return out.Dirs[i].Name < out.Dirs[j].Name })
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Name < out.Files[j].Name })
	return out, found
}

type listingData struct {
	Title string
	Path  string
	StaticToken string
	Files []listedEntry
	Dirs  []listedEntry
}

func (s *Server) renderListing(w http.ResponseWriter, path string, data listingData) {
	data.Title = s.title()
	data.StaticToken = s.staticToken
	data.Path = "/" + path
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, "listing.html", data); err != nil {
		slog.Warn("Failed to render listing", "path", path, "error", err)
	}
}
