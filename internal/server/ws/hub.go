// Package wsgateway is the websocket chat gateway: a hub of named client
// sessions that doubles as the pipeline's presence oracle and delivery
// fan-out.
package wsgateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/batch"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Core is the slice of the pipeline the gateway drives. Bound after
// construction because the pipeline needs the hub as its presence oracle.
type Core interface {
	Submit(sender, text, recipient string, manualTier *message.Tier) (message.Message, error)
	Reconnect(recipient string) []message.Message
}

// Frame is the wire format in both directions.
type Frame struct {
	Type      string           `json:"type"`
	Message   *message.Message `json:"message,omitempty"`
	Batch     *batch.Envelope  `json:"batch,omitempty"`
	Text      string           `json:"text,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Tier      int              `json:"tier,omitempty"`
	Error     string           `json:"error,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

var (
	errSessionClosed = errors.New("ws: session closed")
	errBufferFull    = errors.New("ws: send buffer full")
)

type session struct {
	name string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues buf for the write pump. Replacement connections and
// shutdown close the channel from other goroutines, so every send goes
// through the closed check under the session lock.
func (s *session) trySend(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.send <- buf:
		return nil
	default:
		return errBufferFull
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub tracks one live session per user name. A new connection for a name
// replaces the previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	core     Core
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub returns a hub allowing the given websocket origins. An empty list
// allows any origin.
func NewHub(logger *zap.Logger, origins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		sessions: make(map[string]*session),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Bind attaches the pipeline once it exists.
func (h *Hub) Bind(core Core) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.core = core
}

// IsOnline implements the pipeline's presence oracle.
func (h *Hub) IsOnline(recipient string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[recipient] != nil
}

// Online lists connected user names.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	return names
}

// Deliver pushes one message to a connected recipient. It implements the
// pipeline's delivery function; a missing session or a full send buffer is a
// transient failure for the retry scheduler to absorb.
func (h *Hub) Deliver(recipient string, msg message.Message) error {
	h.mu.RLock()
	sess := h.sessions[recipient]
	h.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("ws: no session for %q", recipient)
	}

	buf, err := json.Marshal(Frame{Type: "message", Message: &msg})
	if err != nil {
		return err
	}
	return sess.trySend(buf)
}

// Broadcast fans a released batch envelope out to every session. Sessions
// with full buffers are skipped; batch traffic is best effort.
func (h *Hub) Broadcast(env batch.Envelope) {
	buf, err := json.Marshal(Frame{Type: "batch", Batch: &env})
	if err != nil {
		h.logger.Warn("batch frame marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, sess := range h.sessions {
		if err := sess.trySend(buf); err != nil {
			h.logger.Debug("dropping batch frame", zap.String("user", name), zap.Error(err))
		}
	}
}

// HandleWS upgrades a connection for ?user=<name> and runs its session.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{name: user, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(sess)
	metrics.ConnectedClients.Inc()
	h.logger.Info("client connected", zap.String("user", user))

	go h.writePump(sess)

	// Presence is live before the drain so redeliveries see the session.
	h.mu.RLock()
	core := h.core
	h.mu.RUnlock()
	if core != nil {
		core.Reconnect(user)
	}

	h.readPump(sess, core)
}

func (h *Hub) register(sess *session) {
	h.mu.Lock()
	if old := h.sessions[sess.name]; old != nil {
		old.close()
		old.conn.Close()
	}
	h.sessions[sess.name] = sess
	h.mu.Unlock()
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	if h.sessions[sess.name] == sess {
		delete(h.sessions, sess.name)
	}
	h.mu.Unlock()
	sess.close()
	sess.conn.Close()
	metrics.ConnectedClients.Dec()
	h.logger.Info("client disconnected", zap.String("user", sess.name))
}

func (h *Hub) readPump(sess *session, core Core) {
	defer h.unregister(sess)

	sess.conn.SetReadLimit(64 << 10)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(sess, "malformed frame")
			continue
		}

		switch frame.Type {
		case "message":
			if core == nil {
				h.sendError(sess, "gateway not ready")
				continue
			}
			var manual *message.Tier
			if frame.Tier != 0 {
				t, err := message.ParseTier(frame.Tier)
				if err != nil {
					h.sendError(sess, err.Error())
					continue
				}
				manual = &t
			}
			if _, err := core.Submit(sess.name, frame.Text, frame.Recipient, manual); err != nil {
				h.sendError(sess, err.Error())
			}
		default:
			h.sendError(sess, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

func (h *Hub) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case buf, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) sendError(sess *session, msg string) {
	buf, err := json.Marshal(Frame{Type: "error", Error: msg})
	if err != nil {
		return
	}
	_ = sess.trySend(buf)
}

// CloseAll drops every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
		s.conn.Close()
	}
}
