package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oniondrop/onionDrop/pkg/events"
)

// maxUsernameLen bounds chat usernames.
const maxUsernameLen = 128

const sessionCookie = "oniondrop_session"

// chatEvent is one message broadcast to every connected participant over
// the server-sent event stream.
type chatEvent struct {
	Type     string   `json:"type"` // "chat_message" or "status"
	Username string   `json:"username,omitempty"`
	Message  string   `json:"message,omitempty"`
	Users    []string `json:"users,omitempty"`
}

type chatParticipant struct {
	id       string
	username string
	ch       chan chatEvent
}

// chatRoom tracks connected participants and fans events out to them. A
// participant whose channel is full simply misses the event; the room never
// blocks on a slow consumer.
type chatRoom struct {
	srv *Server

	mu           sync.Mutex
	usernames    map[string]string // session id -> username
	participants map[string]*chatParticipant
}

func newChatRoom(s *Server) *chatRoom {
	return &chatRoom{
		srv:          s,
		usernames:    make(map[string]string),
		participants: make(map[string]*chatParticipant),
	}
}

func (c *chatRoom) broadcast(ev chatEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Users = c.userListLocked()
	for _, p := range c.participants {
		select {
		case p.ch <- ev:
		default:
		}
	}
}

func (c *chatRoom) userListLocked() []string {
	users := make([]string, 0, len(c.participants))
	for _, p := range c.participants {
		users = append(users, p.username)
	}
	sort.Strings(users)
	return users
}

func (c *chatRoom) username(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.usernames[sessionID]; ok {
		return name
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	name := "guest-" + short
	c.usernames[sessionID] = name
	return name
}

// setUsername validates and applies a username change: printable ASCII,
// non-empty, length-capped, unique among connected users.
func (c *chatRoom) setUsername(sessionID, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if len(username) > maxUsernameLen {
		return fmt.Errorf("username is too long")
	}
	for _, r := range username {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("username must be printable ASCII")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.participants {
		if id != sessionID && p.username == username {
			return fmt.Errorf("username is already taken")
		}
	}
	c.usernames[sessionID] = username
	if p, ok := c.participants[sessionID]; ok {
		p.username = username
	}
	return nil
}

func (c *chatRoom) join(sessionID string) *chatParticipant {
	p := &chatParticipant{
		id:       sessionID,
		username: c.username(sessionID),
		ch:       make(chan chatEvent, 32),
	}
	c.mu.Lock()
	c.participants[sessionID] = p
	c.mu.Unlock()
	c.broadcast(chatEvent{Type: "status", Message: p.username + " joined"})
	return p
}

func (c *chatRoom) leave(p *chatParticipant) {
	c.mu.Lock()
	delete(c.participants, p.id)
	c.mu.Unlock()
	c.broadcast(chatEvent{Type: "status", Message: p.username + " left"})
}

// sessionID returns the visitor's chat session id, setting the cookie on
// first contact.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return id
}

type chatPageData struct {
	Title       string
	StaticToken string
	Username    string
}

func (s *Server) handleChatPage(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionID(w, r)
	s.bus.Post(events.Load, r.URL.Path, map[string]any{"method": r.Method})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := chatPageData{Title: s.title(), StaticToken: s.staticToken, Username: s.chat.username(sessionID)}
	if err := pageTemplates.ExecuteTemplate(w, "chat.html", data); err != nil {
		slog.Warn("Failed to render chat page", "error", err)
	}
}

// handleChatEvents is the server-push half of the chat channel: one
// long-lived event-stream response per participant.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorPage(w, r, http.StatusInternalServerError)
		return
	}
	sessionID := s.sessionID(w, r)
	p := s.chat.join(sessionID)
	defer s.chat.leave(p)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stop.Done():
			return
		case ev := <-p.ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionID(w, r)
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"success": false})
		return
	}
	username := s.chat.username(sessionID)
	s.chat.broadcast(chatEvent{Type: "chat_message", Username: username, Message: body.Text})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) handleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionID(w, r)
	old := s.chat.username(sessionID)

	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "username": old})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := s.chat.setUsername(sessionID, body.Username); err != nil {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "username": old})
		return
	}
	newName := s.chat.username(sessionID)
	s.chat.broadcast(chatEvent{Type: "status", Message: old + " is now " + newName})
	json.NewEncoder(w).Encode(map[string]any{"success": true, "username": newName})
}
