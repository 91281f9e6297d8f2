package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/batch"
	"github.com/rzbill/relay/internal/message"
)

type fakeCore struct {
	mu        sync.Mutex
	submitted []message.Message
	reconnect []string
}

func (c *fakeCore) Submit(sender, text, recipient string, manual *message.Tier) (message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := message.Message{Sender: sender, Text: text, Recipient: recipient, Tier: message.TierNormal}
	if manual != nil {
		msg.Tier = *manual
	}
	c.submitted = append(c.submitted, msg)
	return msg, nil
}

func (c *fakeCore) Reconnect(recipient string) []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, recipient)
	return nil
}

func (c *fakeCore) snapshot() ([]message.Message, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]message.Message, len(c.submitted))
	copy(subs, c.submitted)
	recs := make([]string, len(c.reconnect))
	copy(recs, c.reconnect)
	return subs, recs
}

func newTestHub(t *testing.T, core Core) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop(), nil)
	if core != nil {
		hub.Bind(core)
	}
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestConnectTracksPresenceAndReconnect(t *testing.T) {
	core := &fakeCore{}
	hub, srv := newTestHub(t, core)

	require.False(t, hub.IsOnline("alice"))
	conn := dial(t, srv, "alice")

	require.Eventually(t, func() bool {
		return hub.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, recs := core.snapshot()
		return len(recs) == 1 && recs[0] == "alice"
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return !hub.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)
}

func TestMissingUserRejected(t *testing.T) {
	_, srv := newTestHub(t, nil)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeliverReachesClient(t *testing.T) {
	hub, srv := newTestHub(t, &fakeCore{})
	conn := dial(t, srv, "bob")

	require.Eventually(t, func() bool {
		return hub.IsOnline("bob")
	}, time.Second, 5*time.Millisecond)

	msg := message.Message{Sender: "alice", Recipient: "bob", Text: "hi", Tier: message.TierNormal}
	require.NoError(t, hub.Deliver("bob", msg))

	frame := readFrame(t, conn)
	require.Equal(t, "message", frame.Type)
	require.NotNil(t, frame.Message)
	require.Equal(t, "hi", frame.Message.Text)
}

func TestDeliverToUnknownRecipientFails(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	err := hub.Deliver("ghost", message.Message{Text: "x"})
	require.Error(t, err)
}

func TestInboundMessageSubmitted(t *testing.T) {
	core := &fakeCore{}
	_, srv := newTestHub(t, core)
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(Frame{
		Type: "message", Text: "hey bob", Recipient: "bob", Tier: 2,
	}))

	require.Eventually(t, func() bool {
		subs, _ := core.snapshot()
		return len(subs) == 1
	}, time.Second, 5*time.Millisecond)

	subs, _ := core.snapshot()
	require.Equal(t, "alice", subs[0].Sender)
	require.Equal(t, "hey bob", subs[0].Text)
	require.Equal(t, message.TierHigh, subs[0].Tier)
}

func TestInvalidTierReturnsErrorFrame(t *testing.T) {
	_, srv := newTestHub(t, &fakeCore{})
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", Text: "x", Tier: 9}))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Contains(t, frame.Error, "tier")
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	_, srv := newTestHub(t, &fakeCore{})
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
}

func TestBroadcastFansOut(t *testing.T) {
	hub, srv := newTestHub(t, &fakeCore{})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	require.Eventually(t, func() bool {
		return hub.IsOnline("alice") && hub.IsOnline("bob")
	}, time.Second, 5*time.Millisecond)

	env := batch.Envelope{
		ID:       "b1",
		Messages: []message.Message{{Sender: "carol", Text: "hello all"}},
		Size:     1,
		Reason:   batch.ReasonForced,
	}
	hub.Broadcast(env)

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		require.Equal(t, "batch", frame.Type)
		require.NotNil(t, frame.Batch)
		require.Equal(t, "b1", frame.Batch.ID)
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	hub, srv := newTestHub(t, &fakeCore{})
	old := dial(t, srv, "alice")

	require.Eventually(t, func() bool {
		return hub.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)

	replacement := dial(t, srv, "alice")
	defer replacement.Close()

	// The old connection is closed by the hub.
	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return hub.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)
}

func TestSendToClosedSessionFails(t *testing.T) {
	sess := &session{name: "alice", send: make(chan []byte, 1)}
	sess.close()
	sess.close() // idempotent

	require.ErrorIs(t, sess.trySend([]byte("x")), errSessionClosed)

	// A late error frame to a replaced session is dropped, not a panic.
	hub := NewHub(zap.NewNop(), nil)
	hub.sendError(sess, "replaced")
}

func TestSendToFullBufferFails(t *testing.T) {
	sess := &session{name: "bob", send: make(chan []byte, 1)}
	require.NoError(t, sess.trySend([]byte("a")))
	require.ErrorIs(t, sess.trySend([]byte("b")), errBufferFull)
}
