package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oniondrop/onionDrop/pkg/events"
)

// maxDirAttempts caps the numeric-suffix retries when allocating an upload
// directory; two sessions in the same wall-clock second get "-1", "-2", ….
const maxDirAttempts = 100

// maxMessageBytes bounds the optional text message field.
const maxMessageBytes = 512 * 1024

var errDirExhausted = errors.New("could not find an unused upload directory name")

// allocateUploadDir creates a collision-free destination directory
// <root>/YYYY-MM-DD/HHMMSS[-N] with an exclusive create, so the first
// session to complete the creation wins the lower suffix.
func allocateUploadDir(root string, now time.Time) (dir, name, dateDir string, err error) {
	dateDir = filepath.Join(root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", "", "", fmt.Errorf("creating date directory: %w", err)
	}
	base := now.Format("150405")
	for i := 0; i <= maxDirAttempts; i++ {
		name = base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		dir = filepath.Join(dateDir, name)
		err = os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, name, dateDir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			// Permission failure is distinct from a collision.
			return "", "", "", fmt.Errorf("creating upload directory: %w", err)
		}
	}
	return "", "", "", errDirExhausted
}

type fileProgress struct {
	UploadedBytes int64
	Complete      bool
}

// uploadSession tracks one incoming multipart POST: the allocated
// destination directory, per-file progress, and the finalization state. It
// is mutated only by the goroutine handling its request.
type uploadSession struct {
	srv       *Server
	historyID int

	dir     string
	dirName string
	dateDir string

	progress  map[string]*fileProgress
	lastFile  string
	renamed   int
	told      bool // Started posted and history id marked in-progress
	canceled  bool
	uploadErr bool
	finalized bool

	messageWritten bool
}

func (s *Server) newUploadSession() *uploadSession {
	return &uploadSession{
		srv:       s,
		historyID: s.newHistoryID(),
		progress:  make(map[string]*fileProgress),
	}
}

// ensureDir lazily allocates the destination directory on the first file
// (or message) of the session.
func (u *uploadSession) ensureDir() error {
	if u.dir != "" {
		return nil
	}
	dir, name, dateDir, err := allocateUploadDir(u.srv.opts.DataRoot, time.Now())
	if err != nil {
		u.srv.bus.Post(events.ErrorDataDirCannotCreate, "/upload", map[string]any{
			"id":    u.historyID,
			"error": err.Error(),
		})
		return err
	}
	u.dir, u.dirName, u.dateDir = dir, name, dateDir
	u.srv.bus.Post(events.UploadSetDir, "/upload", map[string]any{"id": u.historyID, "dir": dir})
	return nil
}

// onWrite is the per-chunk hook: the first write of the session posts a
// single Started event and registers the history id with the in-progress
// set consulted by auto-stop; every write posts a Progress event carrying
// the full snapshot map, never a delta.
func (u *uploadSession) onWrite(filename string, n int) {
	if !u.told {
		u.told = true
		u.srv.bus.Post(events.Started, "/upload", map[string]any{"id": u.historyID})
		u.srv.markInProgress(u.historyID)
	}
	fp := u.progress[filename]
	fp.UploadedBytes += int64(n)
	u.lastFile = filename
	u.srv.bus.Post(events.Progress, "/upload", map[string]any{
		"id":       u.historyID,
		"progress": u.snapshot(),
	})
}

// onClose marks a file complete or failed once its stream is done.
func (u *uploadSession) onClose(filename string, ok bool) {
	if fp, exists := u.progress[filename]; exists {
		fp.Complete = ok
	}
	if !ok {
		u.uploadErr = true
	}
}

// snapshot copies the whole progress map so the controller always observes
// a consistent state regardless of later writes.
func (u *uploadSession) snapshot() map[string]map[string]any {
	out := make(map[string]map[string]any, len(u.progress))
	for name, fp := range u.progress {
		out[name] = map[string]any{
			"uploaded_bytes": fp.UploadedBytes,
			"complete":       fp.Complete,
		}
	}
	return out
}

// uniqueName resolves a duplicate filename within one session by inserting
// " (N)" before the extension, reporting the rename to the controller.
func (u *uploadSession) uniqueName(filename string) string {
	if _, taken := u.progress[filename]; !taken {
		return filename
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, taken := u.progress[candidate]; !taken {
			u.renamed++
			u.srv.bus.Post(events.UploadFileRenamed, "/upload", map[string]any{
				"id":  u.historyID,
				"old": filename,
				"new": candidate,
			})
			return candidate
		}
	}
}

// receiveFile streams one multipart part to "<name>.part" in the session
// directory and renames it on clean close. On error, or when the stop flag
// interrupts the copy, the ".part" file stays in place so partial uploads
// are visually distinguishable on disk.
func (u *uploadSession) receiveFile(part *multipart.Part) error {
	filename := u.uniqueName(filepath.Base(part.FileName()))
	u.progress[filename] = &fileProgress{}

	partPath := filepath.Join(u.dir, filename+".part")
	finalPath := filepath.Join(u.dir, filename)

	f, err := os.Create(partPath)
	if err != nil {
		u.onClose(filename, false)
		return fmt.Errorf("creating %s: %w", partPath, err)
	}

	buf := make([]byte, ChunkSize)
	ok := true
	for {
		// React to an external stop within one chunk's granularity.
		if u.srv.stop.IsSet() {
			u.canceled = true
			ok = false
			break
		}
		n, rerr := part.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				slog.Error("Failed writing upload chunk", "file", filename, "error", werr)
				ok = false
				break
			}
			u.onWrite(filename, n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			slog.Warn("Upload stream ended early", "file", filename, "error", rerr)
			ok = false
			break
		}
	}

	if cerr := f.Close(); cerr != nil {
		ok = false
	}
	if ok {
		if rerr := os.Rename(partPath, finalPath); rerr != nil {
			slog.Error("Failed to rename completed upload", "file", filename, "error", rerr)
			ok = false
		}
	}
	u.onClose(filename, ok)
	return nil
}

// writeMessage persists the optional text message as a sibling of the
// upload directory: <dateDir>/<dirName>-message.txt.
func (u *uploadSession) writeMessage(text string) error {
	if err := u.ensureDir(); err != nil {
		return err
	}
	msgPath := filepath.Join(u.dateDir, u.dirName+"-message.txt")
	if err := os.WriteFile(msgPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing message file: %w", err)
	}
	u.messageWritten = true
	u.srv.bus.Post(events.UploadIncludesMessage, "/upload", map[string]any{
		"id":   u.historyID,
		"path": msgPath,
	})
	return nil
}

// finalize runs at most once per session, when the request body has been
// consumed or aborted. It settles the session as finished or canceled,
// releases the in-progress slot, and removes the directory if nothing
// landed in it.
func (u *uploadSession) finalize() {
	if u.finalized {
		return
	}
	u.finalized = true

	lastIncomplete := false
	if u.lastFile != "" {
		if fp := u.progress[u.lastFile]; fp != nil && !fp.Complete {
			lastIncomplete = true
		}
	}

	if u.told {
		if u.canceled || u.srv.stop.IsSet() || lastIncomplete {
			u.srv.bus.Post(events.UploadCanceled, "/upload", map[string]any{"id": u.historyID})
		} else {
			u.srv.bus.Post(events.UploadFinished, "/upload", map[string]any{
				"id":       u.historyID,
				"progress": u.snapshot(),
			})
		}
		u.srv.clearInProgress(u.historyID)
	} else if u.messageWritten {
		u.srv.bus.Post(events.UploadFinished, "/upload", map[string]any{"id": u.historyID})
	}

	if u.dir != "" {
		if entries, err := os.ReadDir(u.dir); err == nil && len(entries) == 0 {
			if err := os.Remove(u.dir); err != nil {
				slog.Warn("Failed to remove empty upload directory", "dir", u.dir, "error", err)
			}
		}
	}
}

type uploadResult struct {
	session *uploadSession
	userErr string
}

// processUpload drives one multipart POST through an upload session.
func (s *Server) processUpload(r *http.Request) uploadResult {
	session := s.newUploadSession()
	defer session.finalize()

	mr, err := r.MultipartReader()
	if err != nil {
		return uploadResult{session: session, userErr: "Invalid upload request."}
	}

	var message string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			session.uploadErr = true
			break
		}

		if part.FileName() == "" {
			if part.FormName() == "text" && !s.opts.DisableText {
				data, _ := io.ReadAll(io.LimitReader(part, maxMessageBytes))
				message = string(data)
			}
			part.Close()
			continue
		}

		if s.opts.DisableFiles {
			part.Close()
			continue
		}
		if err := session.ensureDir(); err != nil {
			part.Close()
			if errors.Is(err, errDirExhausted) {
				return uploadResult{session: session, userErr: "Cannot create a directory to save files into."}
			}
			return uploadResult{session: session, userErr: "Cannot write to the data directory."}
		}
		if err := session.receiveFile(part); err != nil {
			slog.Error("Upload failed", "error", err)
		}
		part.Close()
	}

	if strings.TrimSpace(message) != "" {
		if err := session.writeMessage(message); err != nil {
			slog.Error("Failed to save message", "error", err)
			return uploadResult{session: session, userErr: "Cannot write to the data directory."}
		}
	}

	return uploadResult{session: session}
}

type receivePageData struct {
	Title       string
	StaticToken string
	DisableText bool
	Error       string
}

func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	s.bus.Post(events.Load, r.URL.Path, map[string]any{"method": r.Method})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := receivePageData{Title: s.title(), StaticToken: s.staticToken, DisableText: s.opts.DisableText}
	if err := pageTemplates.ExecuteTemplate(w, "receive.html", data); err != nil {
		slog.Warn("Failed to render receive page", "error", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	res := s.processUpload(r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.userErr != "" {
		w.WriteHeader(http.StatusInternalServerError)
	}
	data := receivePageData{Title: s.title(), StaticToken: s.staticToken, Error: res.userErr}
	if err := pageTemplates.ExecuteTemplate(w, "thankyou.html", data); err != nil {
		slog.Warn("Failed to render upload result page", "error", err)
	}
}

func (s *Server) handleUploadAjax(w http.ResponseWriter, r *http.Request) {
	res := s.processUpload(r)
	w.Header().Set("Content-Type", "application/json")
	if res.userErr != "" {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": res.userErr})
		return
	}
	files := make([]string, 0, len(res.session.progress))
	for name := range res.session.progress {
		files = append(files, name)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"files":         files,
		"message_saved": res.session.messageWritten,
	})
}
