// Package staging prepares a set of input paths for serving: it computes the
// file manifest, builds the downloadable zip archive for multi-file shares,
// and gzip-compresses single-file shares so the transfer can be compressed
// over the onion link while the original stays available uncompressed.
package staging

import (
	"archive/zip"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/oniondrop/onionDrop/pkg/concurrency"
)

var (
	// ErrCanceled is returned when staging is stopped via the cooperative
	// stop flag before the archive is complete.
	ErrCanceled = errors.New("staging canceled")

	// ErrNoFiles is returned when none of the input paths are usable.
	ErrNoFiles = errors.New("no readable files to stage")
)

// FileEntry describes one top-level file or directory for listing pages.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileInfo is the listing shown on the landing page.
type FileInfo struct {
	Files []FileEntry `json:"files"`
	Dirs  []FileEntry `json:"dirs"`
}

type gzipArtifact struct {
	Path string
	Size int64
}

// Manifest is the result of one staging run. It is immutable during serving
// except for the lazily populated per-file gzip cache, which is guarded by
// its own mutex.
type Manifest struct {
	// Files maps relative keys ("foo/bar.txt") to filesystem paths. A
	// nested directory under input "foo" keeps its relative structure.
	Files map[string]string
	// RootFiles maps top-level basenames to filesystem paths.
	RootFiles map[string]string
	// Info lists the top-level files and directories with their sizes.
	Info FileInfo
	// Skipped holds input paths rejected individually (unreadable or
	// missing); staging carries on without them.
	Skipped []string

	// IsZipped is true when DownloadFilename points at a zip archive of
	// the whole share rather than the single original file.
	IsZipped         bool
	DownloadFilename string
	DownloadFilesize int64
	// DownloadChecksum is the hex SHA-256 of the download artifact, shown
	// on the landing page so recipients can verify what they fetched.
	DownloadChecksum string
	GzipFilename     string
	GzipFilesize     int64

	tmpDir string

	gzipMu    sync.Mutex
	gzipFiles map[string]gzipArtifact
}

// Options controls one staging run.
type Options struct {
	// ProcessedSize, when non-nil, is called with the cumulative number of
	// uncompressed bytes written after each archive member. This is the
	// progress channel surfaced to the controller during large archives.
	ProcessedSize func(bytes int64)
	// Stop is polled before each archive member; when set, staging closes
	// the partial archive and returns ErrCanceled.
	Stop *concurrency.StopFlag
}

// Stager builds manifests. Staging runs are serialized; an overlapping call
// fails fast with concurrency.ErrBusy rather than contending on disk.
type Stager struct {
	guard *concurrency.Guard
}

func NewStager() *Stager {
	return &Stager{guard: concurrency.NewGuard()}
}

// Stage builds a manifest from the given paths. Unreadable inputs are
// recorded in Manifest.Skipped rather than failing the whole run.
func (s *Stager) Stage(paths []string, opts Options) (*Manifest, error) {
	var m *Manifest
	err := s.guard.Execute(func() error {
		var err error
		m, err = stage(paths, opts)
		return err
	})
	return m, err
}

func stage(paths []string, opts Options) (*Manifest, error) {
	m := &Manifest{
		Files:     make(map[string]string),
		RootFiles: make(map[string]string),
		gzipFiles: make(map[string]gzipArtifact),
	}

	var usable []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err == nil {
			_, err = os.Stat(abs)
		}
		if err != nil {
			slog.Warn("Skipping unreadable input", "path", p, "error", err)
			m.Skipped = append(m.Skipped, p)
			continue
		}
		usable = append(usable, abs)
	}
	if len(usable) == 0 {
		return nil, ErrNoFiles
	}

	// A single directory input shares its contents, not the directory
	// itself, so its entries become the top-level names.
	if len(usable) == 1 {
		if info, err := os.Stat(usable[0]); err == nil && info.IsDir() {
			entries, err := os.ReadDir(usable[0])
			if err != nil {
				return nil, fmt.Errorf("reading directory %s: %w", usable[0], err)
			}
			var children []string
			for _, e := range entries {
				children = append(children, filepath.Join(usable[0], e.Name()))
			}
			if len(children) == 0 {
				return nil, ErrNoFiles
			}
			usable = children
		}
	}

	var nFiles, nDirs int
	for _, p := range usable {
		info, err := os.Lstat(p)
		if err != nil {
			m.Skipped = append(m.Skipped, p)
			continue
		}
		base := filepath.Base(p)
		m.RootFiles[base] = p
		if info.IsDir() {
			size, err := dirSize(p)
			if err != nil {
				slog.Warn("Failed to size directory", "path", p, "error", err)
			}
			m.Info.Dirs = append(m.Info.Dirs, FileEntry{Name: base, Size: size})
			if err := collectDir(m.Files, base, p); err != nil {
				return nil, err
			}
			nDirs++
		} else {
			m.Files[base] = p
			m.Info.Files = append(m.Info.Files, FileEntry{Name: base, Size: info.Size()})
			nFiles++
		}
	}

	sort.Slice(m.Info.Files, func(i, j int) bool { return m.Info.Files[i].Name < m.Info.Files[j].Name })
	sort.Slice(m.Info.Dirs, func(i, j int) bool { return m.Info.Dirs[i].Name < m.Info.Dirs[j].Name })

	tmpDir, err := os.MkdirTemp("", "oniondrop-staging-")
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	m.tmpDir = tmpDir

	if nFiles == 1 && nDirs == 0 {
		// Single file: no archive. Serve the original directly and keep a
		// gzip copy for clients that accept it.
		var only string
		for _, p := range m.Files {
			only = p
		}
		info, err := os.Stat(only)
		if err != nil {
			m.cleanupTmp()
			return nil, err
		}
		gzPath := filepath.Join(tmpDir, filepath.Base(only)+".gz")
		gzSize, err := gzipCompress(only, gzPath)
		if err != nil {
			m.cleanupTmp()
			return nil, fmt.Errorf("compressing %s: %w", only, err)
		}
		m.IsZipped = false
		m.DownloadFilename = only
		m.DownloadFilesize = info.Size()
		m.GzipFilename = gzPath
		m.GzipFilesize = gzSize
		if sum, err := fileSHA256(only); err == nil {
			m.DownloadChecksum = sum
		} else {
			slog.Warn("Failed to checksum download file", "path", only, "error", err)
		}
		return m, nil
	}

	zipPath := filepath.Join(tmpDir, "oniondrop_"+randomHex(8)+".zip")
	if err := buildZip(zipPath, m.Files, opts); err != nil {
		m.cleanupTmp()
		return nil, err
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		m.cleanupTmp()
		return nil, err
	}
	m.IsZipped = true
	m.DownloadFilename = zipPath
	m.DownloadFilesize = info.Size()
	if sum, err := fileSHA256(zipPath); err == nil {
		m.DownloadChecksum = sum
	} else {
		slog.Warn("Failed to checksum archive", "path", zipPath, "error", err)
	}
	return m, nil
}

// collectDir walks dir and records every regular file under the key
// "<prefix>/<relative>". Symbolic links are never followed; a link cycle
// must not be able to inflate the archive.
func collectDir(files map[string]string, prefix, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(filepath.Join(prefix, rel))] = path
		return nil
	})
}

// dirSize sums the sizes of regular files under dir, skipping symlinks.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// buildZip streams every manifest file into a zip archive, one member at a
// time, in sorted key order so the member list is deterministic across runs.
func buildZip(zipPath string, files map[string]string, opts Options) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var processed int64
	for _, key := range keys {
		if opts.Stop != nil && opts.Stop.IsSet() {
			zw.Close()
			return ErrCanceled
		}
		n, err := addZipMember(zw, key, files[key])
		if err != nil {
			zw.Close()
			return err
		}
		processed += n
		if opts.ProcessedSize != nil {
			opts.ProcessedSize(processed)
		}
	}
	return zw.Close()
}

func addZipMember(zw *zip.Writer, name, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()
	return io.Copy(w, src)
}

// GzipFile returns a gzip-compressed copy of the given manifest file,
// compressing on first use and memoizing the artifact for repeat requests.
// Racing first accesses may compress twice; last write wins and both
// artifacts are valid.
func (m *Manifest) GzipFile(fsPath string) (string, int64, error) {
	m.gzipMu.Lock()
	if art, ok := m.gzipFiles[fsPath]; ok {
		m.gzipMu.Unlock()
		return art.Path, art.Size, nil
	}
	m.gzipMu.Unlock()

	dst := filepath.Join(m.tmpDir, "gz-"+randomHex(8))
	size, err := gzipCompress(fsPath, dst)
	if err != nil {
		return "", 0, err
	}

	m.gzipMu.Lock()
	defer m.gzipMu.Unlock()
	if art, ok := m.gzipFiles[fsPath]; ok {
		// Lost the race; discard our copy and reuse the winner's.
		os.Remove(dst)
		return art.Path, art.Size, nil
	}
	m.gzipFiles[fsPath] = gzipArtifact{Path: dst, Size: size}
	return dst, size, nil
}

// TotalSize reports the sum of all top-level entries.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Info.Files {
		total += f.Size
	}
	for _, d := range m.Info.Dirs {
		total += d.Size
	}
	return total
}

// Cleanup deletes every temp artifact produced for this manifest: the
// archive or single-file gzip plus the memoized per-file gzip cache.
func (m *Manifest) Cleanup() {
	m.gzipMu.Lock()
	m.gzipFiles = make(map[string]gzipArtifact)
	m.gzipMu.Unlock()
	m.cleanupTmp()
}

func (m *Manifest) cleanupTmp() {
	if m.tmpDir != "" {
		if err := os.RemoveAll(m.tmpDir); err != nil {
			slog.Warn("Failed to remove staging dir", "dir", m.tmpDir, "error", err)
		}
	}
}

func gzipCompress(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		out.Close()
		return 0, err
	}
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
