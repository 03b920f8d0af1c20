package ws

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/doed/messenger/store"
)

// CloseCause identifies why a session ended.
type CloseCause int

const (
	CauseReadError CloseCause = iota + 1
	CauseWriteError
	CausePingError
	CauseBadFrame
	CauseServerStop
	CauseReplaced
	CauseBanned
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	// outbound queue size per connection.
	sendQueueSize = 16
)

// sessionData is the data structure for `dataChan`. A non-zero cause
// ends the session after prior entries have been flushed.
type sessionData struct {
	cause CloseCause
	env   *Envelope
}

// Handler supervises one authenticated connection: it owns the receive
// loop that feeds the delivery pipeline, the send loop that drains
// dataChan to the peer, and the close-once cleanup that unregisters
// the user on every exit path.
type Handler struct {
	sync.Mutex

	hub  *Hub
	user *store.User
	sid  string
	conn *websocket.Conn

	dataChan chan *sessionData

	closing bool
}

// User returns the identity resolved at authentication. Moderation
// fields on it may be stale; the pipeline re-reads them per message.
func (h *Handler) User() *store.User {
	return h.user
}

func (h *Handler) String() string {
	return h.user.Username + "/" + h.sid
}

func closePayload(cause CloseCause) []byte {
	switch cause {
	case CauseReplaced:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "session replaced by a newer connection")
	case CauseBanned:
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "banned")
	default:
		return []byte{}
	}
}

// Send implements Sink. It never blocks: a full queue or a closing
// session drops the envelope and reports false.
func (h *Handler) Send(env *Envelope) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- &sessionData{env: env}:
		return true
	default:
		return false
	}
}

// fail asks the send loop to terminate the session after flushing
// queued envelopes. If the queue is full the session closes directly.
func (h *Handler) fail(cause CloseCause) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	select {
	case h.dataChan <- &sessionData{cause: cause}:
		h.Unlock()
		return
	default:
	}
	h.Unlock()
	h.Close(cause)
}

// Close implements Sink. It runs at most once: writes a close frame,
// releases the transport and removes the user from the registry.
func (h *Handler) Close(cause CloseCause) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, closePayload(cause))
	h.conn.Close()

	close(h.dataChan)

	h.hub.unregister(h)
	activeConnections.Dec()

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v, session: %s", err, h)
			h.fail(CauseReadError)
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d, session: %s", msgType, h)
			h.Send(errorEnvelope("only text frames are supported"))
			h.fail(CauseBadFrame)
			return
		}

		if terminate := h.hub.pipeline.Handle(context.Background(), h, msg); terminate {
			h.fail(CauseBanned)
			return
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				return
			}

			if v.cause > 0 {
				h.Close(v.cause)
				return
			}

			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteJSON(v.env); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, err: %v", h, err)
				h.Close(CauseWriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.V(5).Infof("sendLoop(): error write ping, session: %s, err: %v", h, err)
				h.Close(CausePingError)
				return
			}
		}
	}
}
