// Package ws is the live-session core: it upgrades and authenticates
// websocket connections, keeps the user-to-connection registry, and
// runs the message delivery pipeline.
package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/doed/messenger/auth"
	"github.com/doed/messenger/policy"
	"github.com/doed/messenger/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// When the node is behind nginx the Origin header carries the
	// public host. TODO: restrict to the configured frontend origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub accepts websocket connections and manages their sessions.
type Hub struct {
	verifier auth.Verifier
	registry *Registry
	pipeline *Pipeline
}

// NewHub creates a Hub with its own registry and delivery pipeline.
func NewHub(verifier auth.Verifier, st store.IStore, engine *policy.Engine, bots *policy.BotCache) *Hub {
	registry := NewRegistry()
	return &Hub{
		verifier: verifier,
		registry: registry,
		pipeline: &Pipeline{
			store:    st,
			policy:   engine,
			bots:     bots,
			registry: registry,
		},
	}
}

// Registry exposes the connection registry for operational handlers.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ServeHTTP handles websocket requests from the peer. The credential
// is verified before any session state exists; a bad credential gets
// close code 1008 (policy violation) and nothing else.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, authErr := h.verifier.Verify(r)

	// If the upgrade fails, then Upgrade replies to the client with an
	// HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error: %v", err)
		return
	}

	if authErr != nil || user == nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", authErr)
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"), deadline)
		conn.Close()
		return
	}

	handler := &Handler{
		hub:      h,
		user:     user,
		sid:      strings.ReplaceAll(uuid.New(), "-", ""),
		conn:     conn,
		dataChan: make(chan *sessionData, sendQueueSize),
	}

	// One live connection per user: the superseded one is closed, not
	// leaked.
	if prev := h.registry.Register(user.ID, user.Username, handler); prev != nil {
		glog.Infof("user %d reconnected, closing superseded session", user.ID)
		prev.Close(CauseReplaced)
	}
	activeConnections.Inc()

	glog.Infof("user %s (id %d) connected, session %s", user.Username, user.ID, handler.sid)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) unregister(handler *Handler) {
	h.registry.Unregister(handler.user.ID, handler)
}

// KickBanned force-closes uid's connection after a best-effort banned
// notice. Used by the moderation event bridge; returns whether the
// user had a live connection.
func (h *Hub) KickBanned(uid int64) bool {
	s := h.registry.get(uid)
	if s == nil {
		return false
	}
	_ = s.Send(bannedEnvelope())
	s.Close(CauseBanned)
	return true
}

// ReloadBots drops the cached bot-id set.
func (h *Hub) ReloadBots() {
	h.pipeline.bots.Invalidate()
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	glog.Infof("closing connections ...")
	h.registry.CloseAll(CauseServerStop)
	glog.Infof("close connections done")
}
