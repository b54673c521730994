// Package web implements the transfer-tracking web server: per-mode route
// tables, the upload session manager, the chunked download streamer, and the
// server lifecycle controller. A Server instance owns all of its state so
// multiple instances can coexist in one process without cross-talk.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/oniondrop/onionDrop/pkg/concurrency"
	"github.com/oniondrop/onionDrop/pkg/events"
	"github.com/oniondrop/onionDrop/pkg/staging"
)

// Mode selects which route table and policies are active for one server.
type Mode int

const (
	ModeShare Mode = iota
	ModeReceive
	ModeWebsite
	ModeChat
)

func (m Mode) String() string {
	switch m {
	case ModeShare:
		return "share"
	case ModeReceive:
		return "receive"
	case ModeWebsite:
		return "website"
	case ModeChat:
		return "chat"
	default:
		return "unknown"
	}
}

// InvalidPasswordThreshold is the number of distinct failed password
// attempts after which the server shuts itself down. Deliberate brute-force
// defense, not a recoverable state.
const InvalidPasswordThreshold = 20

// BasicAuthUser is the fixed username side of the shared-secret Basic Auth.
const BasicAuthUser = "oniondrop"

// ServerBanner is sent as the Server response header.
const ServerBanner = "OnionDrop"

// DefaultWildcardMarkerPath is where Start looks for the wildcard-bind
// marker when no explicit path is configured.
const DefaultWildcardMarkerPath = "/var/run/oniondrop-wildcard"

// DefaultCSP is applied to every response unless website mode disables or
// replaces it.
const DefaultCSP = "default-src 'self'; frame-ancestors 'none'; form-action 'self'; base-uri 'self'; img-src 'self' data:;"

// Options are the per-mode policy knobs for one server instance.
type Options struct {
	Mode   Mode
	Public bool // disable the password gate entirely
	Title  string

	// Receive mode.
	DataRoot     string
	DisableText  bool
	DisableFiles bool

	// Share mode.
	AutostopSharing        bool // stop after the first completed download
	IndividualFileBrowsing bool

	// Website mode.
	DisableCSP bool
	CustomCSP  string

	// WildcardMarkerPath names a file whose existence switches the listener
	// from loopback to the wildcard address. This is an environment
	// detection for constrained sandboxed network namespaces, not a
	// general option.
	WildcardMarkerPath string
}

// Server owns the HTTP listener, the shared secret, the event bus, and the
// cooperative stop flag for one serving session.
type Server struct {
	opts Options
	bus  *events.Bus
	stop *concurrency.StopFlag

	shutdownToken string
	staticToken   string

	pwMu         sync.Mutex
	password     string
	passwordHash []byte

	invalidMu    sync.Mutex
	invalidCount int
	invalidSeen  map[string]struct{}

	histMu     sync.Mutex
	nextHistID int
	inProgress map[int]struct{}
	downloads  int

	manifest   *staging.Manifest
	manifestMu sync.Mutex

	chat *chatRoom

	httpSrv  *http.Server
	listener net.Listener
	stopOnce sync.Once
}

// New constructs a server with a fresh password, shutdown token, and static
// asset token. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	s := &Server{
		opts:          opts,
		bus:           events.NewBus(),
		stop:          concurrency.NewStopFlag(),
		shutdownToken: randomToken(16),
		staticToken:   randomToken(16),
		invalidSeen:   make(map[string]struct{}),
		inProgress:    make(map[int]struct{}),
	}
	if opts.Mode == ModeChat {
		s.chat = newChatRoom(s)
	}
	if err := s.SetPassword(randomToken(8)); err != nil {
		return nil, err
	}
	return s, nil
}

// Bus returns the transfer event bus drained by the controller loop.
func (s *Server) Bus() *events.Bus { return s.bus }

// StopFlag returns the cooperative stop flag shared with staging.
func (s *Server) StopFlag() *concurrency.StopFlag { return s.stop }

// Mode returns the server's mode.
func (s *Server) Mode() Mode { return s.opts.Mode }

// SetManifest installs the staged file manifest served by share and website
// modes. Must be called before Start for those modes.
func (s *Server) SetManifest(m *staging.Manifest) {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	s.manifest = m
}

func (s *Server) getManifest() *staging.Manifest {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	return s.manifest
}

// Password returns the currently active password.
func (s *Server) Password() string {
	s.pwMu.Lock()
	defer s.pwMu.Unlock()
	return s.password
}

// SetPassword replaces the shared password. Subsequent auth checks use the
// new value; already-authenticated in-flight responses are unaffected.
func (s *Server) SetPassword(pw string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	s.pwMu.Lock()
	defer s.pwMu.Unlock()
	s.password = pw
	s.passwordHash = hash
	return nil
}

func (s *Server) checkPassword(pw string) bool {
	s.pwMu.Lock()
	hash := s.passwordHash
	s.pwMu.Unlock()
	return bcrypt.CompareHashAndPassword(hash, []byte(pw)) == nil
}

// StaticToken returns the randomized per-run path prefix for static assets.
func (s *Server) StaticToken() string { return s.staticToken }

// ShutdownToken returns the one-time shutdown path token.
func (s *Server) ShutdownToken() string { return s.shutdownToken }

// Start binds the listener and begins serving. It binds loopback unless the
// wildcard marker file exists. The returned port is the actual bound port,
// useful when port 0 was requested.
func (s *Server) Start(port int) (int, error) {
	host := "127.0.0.1"
	if s.opts.WildcardMarkerPath != "" && fileExists(s.opts.WildcardMarkerPath) {
		host = "0.0.0.0"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return 0, fmt.Errorf("binding listener: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped unexpectedly", "error", err)
		}
	}()

	actual := ln.Addr().(*net.TCPAddr).Port
	slog.Info("Server started", "mode", s.opts.Mode.String(), "addr", ln.Addr().String())
	return actual, nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down: the cooperative stop flag is set first so
// in-flight streams end within one chunk, then the shutdown route is hit the
// same way an external controller would, then the listener is closed
// directly as a fallback.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.stop.Set()

		if s.listener != nil {
			url := fmt.Sprintf("http://127.0.0.1:%d/%s/shutdown", s.Port(), s.shutdownToken)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err == nil {
				if !s.opts.Public {
					req.SetBasicAuth(BasicAuthUser, s.Password())
				}
				client := &http.Client{Timeout: 2 * time.Second}
				if resp, err := client.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}

		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("Forcing server close", "error", err)
				s.httpSrv.Close()
			}
		}

		if m := s.getManifest(); m != nil {
			m.Cleanup()
		}
		slog.Info("Server stopped", "mode", s.opts.Mode.String())
	})
}

// requestShutdown triggers Stop from inside a request or auth context
// without blocking the caller.
func (s *Server) requestShutdown() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
}

// newHistoryID allocates the next monotonically increasing history id.
func (s *Server) newHistoryID() int {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	id := s.nextHistID
	s.nextHistID++
	return id
}

func (s *Server) markInProgress(id int) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.inProgress[id] = struct{}{}
}

func (s *Server) clearInProgress(id int) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	delete(s.inProgress, id)
}

// InProgressCount reports how many transfers are currently in flight; the
// auto-stop predicate defers shutdown while this is non-zero.
func (s *Server) InProgressCount() int {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return len(s.inProgress)
}

// SafeToStop reports whether a scheduled auto-stop may proceed now.
func (s *Server) SafeToStop() bool {
	return s.InProgressCount() == 0
}

func (s *Server) recordDownload() {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.downloads++
}

// DownloadCount reports completed archive downloads.
func (s *Server) DownloadCount() int {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return s.downloads
}

// recordInvalidPassword counts a failed attempt. Repeats of the same wrong
// password count once. Reaching the threshold posts RateLimit and triggers
// an irreversible shutdown.
func (s *Server) recordInvalidPassword(attempt string) {
	s.invalidMu.Lock()
	if _, seen := s.invalidSeen[attempt]; seen {
		s.invalidMu.Unlock()
		return
	}
	s.invalidSeen[attempt] = struct{}{}
	s.invalidCount++
	count := s.invalidCount
	s.invalidMu.Unlock()

	if count >= InvalidPasswordThreshold {
		slog.Warn("Invalid password threshold reached, shutting down", "count", count)
		s.bus.Post(events.RateLimit, "", nil)
		s.requestShutdown()
	}
}

// InvalidPasswordCount reports the number of distinct failed attempts.
func (s *Server) InvalidPasswordCount() int {
	s.invalidMu.Lock()
	defer s.invalidMu.Unlock()
	return s.invalidCount
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
