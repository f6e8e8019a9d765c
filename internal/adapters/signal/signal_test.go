package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type message struct {
	event string
	data  json.RawMessage
}

type handler struct {
	msgs   chan message
	closed chan error
	errs   chan error
}

func newHandler() *handler {
	return &handler{
		msgs:   make(chan message, 16),
		closed: make(chan error, 1),
		errs:   make(chan error, 16),
	}
}

func (h *handler) OnMessage(event string, data json.RawMessage) { h.msgs <- message{event, data} }
func (h *handler) OnClose(err error)                             { h.closed <- err }
func (h *handler) OnError(err error)                             { h.errs <- err }

// server upgrades authorized sockets and hands them to the test.
func server(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func dial(t *testing.T, url string, h core.SignalHandler) core.SignalTransport {
	t.Helper()
	tr, err := NewDialer(Options{URL: url}).Dial(context.Background(), "good", h)
	require.NoError(t, err)
	return tr
}

func TestRejectedTokenIsAuthRejected(t *testing.T) {
	url, _ := server(t)
	_, err := NewDialer(Options{URL: url}).Dial(context.Background(), "stale", newHandler())
	assert.ErrorIs(t, err, core.ErrAuthRejected)
}

func TestUnreachableServer(t *testing.T) {
	_, err := NewDialer(Options{URL: "ws://127.0.0.1:1/ws"}).Dial(context.Background(), "good", newHandler())
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrAuthRejected)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	url, conns := server(t)
	h := newHandler()
	tr := dial(t, url, h)
	defer tr.Close()
	ws := accept(t, conns)

	require.NoError(t, tr.Emit("call:initiate", json.RawMessage(`{"requestId":"r1"}`)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"call:initiate","data":{"requestId":"r1"}}`, string(raw))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"call:initiated","data":{"jitsiRoom":"room-42"}}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"call:accepted","data":{"name":"Dr. A"}}`)))

	first := <-h.msgs
	assert.Equal(t, "call:initiated", first.event)
	assert.JSONEq(t, `{"jitsiRoom":"room-42"}`, string(first.data))
	assert.Equal(t, "call:accepted", (<-h.msgs).event, "messages arrive in server order")
}

func TestMalformedFrameReportsProtocolError(t *testing.T) {
	url, conns := server(t)
	h := newHandler()
	tr := dial(t, url, h)
	defer tr.Close()
	ws := accept(t, conns)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"token_expired"}`)))

	var perr *domain.ProtocolError
	require.ErrorAs(t, <-h.errs, &perr)
	assert.Equal(t, "token_expired", (<-h.msgs).event, "connection survives a bad frame")
}

func TestServerCloseNotifiesHandler(t *testing.T) {
	url, conns := server(t)
	h := newHandler()
	tr := dial(t, url, h)
	ws := accept(t, conns)

	require.NoError(t, ws.Close())
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.ErrorIs(t, tr.Emit("call:end", nil), ErrClosed)
}

func TestLocalCloseIsSilent(t *testing.T) {
	url, conns := server(t)
	h := newHandler()
	tr := dial(t, url, h)
	ws := accept(t, conns)

	tr.Close()
	tr.Close()
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case err := <-h.closed:
		t.Fatalf("unexpected OnClose(%v)", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBackpressure(t *testing.T) {
	c := &Conn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), ErrBackpressure)
}
