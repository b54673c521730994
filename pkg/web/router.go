package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/oniondrop/onionDrop/pkg/events"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Handler builds the per-mode route table. Every request flows through the
// security-header and auth middleware; only the randomized static prefix and
// public mode skip the password gate.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	staticPrefix := "/" + s.staticToken + "/"
	staticRoot, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	r.PathPrefix(staticPrefix).Handler(
		http.StripPrefix(staticPrefix, http.FileServer(http.FS(staticRoot))))

	r.HandleFunc("/"+s.shutdownToken+"/shutdown", s.handleShutdown).Methods(http.MethodGet)

	switch s.opts.Mode {
	case ModeShare:
		r.HandleFunc("/", s.handleShareIndex).Methods(http.MethodGet)
		r.HandleFunc("/download", s.handleDownload).Methods(http.MethodGet)
		r.PathPrefix("/").HandlerFunc(s.handleIndividualFile).Methods(http.MethodGet)
	case ModeReceive:
		r.HandleFunc("/", s.handleUploadForm).Methods(http.MethodGet)
		r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
		r.HandleFunc("/upload-ajax", s.handleUploadAjax).Methods(http.MethodPost)
	case ModeWebsite:
		r.PathPrefix("/").HandlerFunc(s.handleWebsite).Methods(http.MethodGet)
	case ModeChat:
		r.HandleFunc("/", s.handleChatPage).Methods(http.MethodGet)
		r.HandleFunc("/chat-events", s.handleChatEvents).Methods(http.MethodGet)
		r.HandleFunc("/chat-message", s.handleChatMessage).Methods(http.MethodPost)
		r.HandleFunc("/update-session-username", s.handleUpdateUsername).Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(s.notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.errorPage(w, req, http.StatusMethodNotAllowed)
	})

	return s.securityHeaders(s.requireAuth(r))
}

// securityHeaders stamps the fixed header set onto every response,
// including error pages.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Xss-Protection", "1; mode=block")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Server", ServerBanner)
		switch {
		case s.opts.Mode == ModeWebsite && s.opts.DisableCSP:
		case s.opts.Mode == ModeWebsite && s.opts.CustomCSP != "":
			h.Set("Content-Security-Policy", s.opts.CustomCSP)
		default:
			h.Set("Content-Security-Policy", DefaultCSP)
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth enforces the shared-password Basic Auth gate. The static asset
// prefix is always exempt; public mode exempts everything.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Public || strings.HasPrefix(r.URL.Path, "/"+s.staticToken+"/") {
			next.ServeHTTP(w, r)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || !s.checkPassword(pass) {
			if ok {
				slog.Info("Invalid password attempt", "path", r.URL.Path)
				s.bus.Post(events.InvalidPassword, r.URL.Path, map[string]any{"attempt": pass})
				s.recordInvalidPassword(pass)
			}
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ServerBanner))
			s.errorPage(w, r, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleShutdown ends the server from within a request context. The route
// token is random per run and the route is auth-gated like any other, so
// only the controlling process can reach it.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	slog.Info("Shutdown route hit")
	s.stop.Set()
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
	go func() {
		// Let the response finish before the listener closes.
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
	}()
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.errorPage(w, r, http.StatusNotFound)
}

type errorPageData struct {
	Title  string
	Status int
	Text   string
}

var errorText = map[int]string{
	http.StatusUnauthorized:     "A password is required to view this page.",
	http.StatusForbidden:        "You are not allowed to view this page.",
	http.StatusNotFound:         "This page does not exist.",
	http.StatusMethodNotAllowed: "That request method is not allowed here.",
	http.StatusInternalServerError: "Something went wrong serving this request.",
}

// errorPage renders one of the static error pages and posts the matching
// events so failed requests show up in the controller's history uniformly
// across modes.
func (s *Server) errorPage(w http.ResponseWriter, r *http.Request, status int) {
	s.bus.Post(events.Other, r.URL.Path, map[string]any{
		"status": status,
		"method": r.Method,
	})
	if s.opts.Mode == ModeShare || s.opts.Mode == ModeWebsite {
		id := s.newHistoryID()
		s.bus.Post(events.IndividualFileStarted, r.URL.Path, map[string]any{
			"id":     id,
			"status": status,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := errorPageData{Title: s.title(), Status: status, Text: errorText[status]}
	if err := pageTemplates.ExecuteTemplate(w, "error.html", data); err != nil {
		slog.Warn("Failed to render error page", "status", status, "error", err)
	}
}

func (s *Server) title() string {
	if s.opts.Title != "" {
		return s.opts.Title
	}
	return ServerBanner
}
