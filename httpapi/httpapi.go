// Package httpapi exposes the operational HTTP surface: registry
// introspection, bot cache reload, and the offline-delivery read side
// (history, unread counts, read flags).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/doed/messenger/auth"
	"github.com/doed/messenger/policy"
	"github.com/doed/messenger/store"
	"github.com/doed/messenger/ws"
)

const historyLimit = 100

// Server wires the HTTP handlers to the store, the hub and the bot
// cache.
type Server struct {
	store    store.IStore
	hub      *ws.Hub
	bots     *policy.BotCache
	verifier auth.Verifier
}

func New(st store.IStore, hub *ws.Hub, bots *policy.BotCache, verifier auth.Verifier) *Server {
	return &Server{store: st, hub: hub, bots: bots, verifier: verifier}
}

// Register installs all handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/active-users", s.handleActiveUsers)
	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/reload", s.handleReloadBots)
	mux.HandleFunc("/api/messages/history/", s.handleHistory)
	mux.HandleFunc("/api/messages/unread", s.handleUnread)
	mux.HandleFunc("/api/messages/read/", s.handleMarkRead)
	mux.HandleFunc("/api/messages/read-all/", s.handleMarkAllRead)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("httpapi: write response err: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// currentUser authenticates the request; a nil return means the 401
// response has been written already.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) *store.User {
	user, err := s.verifier.Verify(r)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return nil
	}
	return user
}

// pathID parses the trailing integer of the request path after prefix.
func pathID(r *http.Request, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	count, users := s.hub.Registry().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": count,
		"users": users,
	})
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]map[string]interface{}, 0, len(bots))
	for _, b := range bots {
		out = append(out, map[string]interface{}{
			"id":       b.ID,
			"username": b.Username,
			"tag":      b.Tag,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReloadBots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	s.bots.Invalidate()
	ids, err := s.bots.IDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"bots":   ids,
	})
}

type historyEntry struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
	IsMine    bool   `json:"is_mine"`
	IsFile    bool   `json:"is_file,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	FileType  string `json:"file_type,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	peerID, ok := pathID(r, "/api/messages/history/")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad peer id")
		return
	}

	msgs, err := s.store.History(r.Context(), user.ID, peerID, historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		e := historyEntry{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Timestamp: m.CreateTime.Format(time.RFC3339),
			IsRead:    m.IsRead,
			IsMine:    m.SenderID == user.ID,
		}
		if m.File != nil {
			e.IsFile = true
			e.FileName = m.File.Name
			e.FilePath = m.File.Path
			e.FileSize = m.File.Size
			e.FileType = m.File.Type
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	counts, err := s.store.UnreadCounts(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if counts == nil {
		counts = []*store.UnreadCount{}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	msgID, ok := pathID(r, "/api/messages/read/")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad message id")
		return
	}

	changed, err := s.store.MarkRead(r.Context(), user.ID, msgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	senderID, ok := pathID(r, "/api/messages/read-all/")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad sender id")
		return
	}

	n, err := s.store.MarkAllRead(r.Context(), user.ID, senderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"changed": n,
	})
}
