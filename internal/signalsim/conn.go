package signalsim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsConn is one upgraded socket with a bounded outbound queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{conn: ws, send: make(chan []byte, 32)}
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. Queued frames are still flushed by the write pump.
func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) emit(event string, v any) {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			log.Error().Err(err).Str("module", "signalsim").Msg("emit marshal")
			return
		}
		data = b
	}
	b, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "signalsim").Str("event", event).Msg("emit marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signalsim").Str("event", event).Msg("emit dropped")
	}
}

func (c *wsConn) writePump(ctx context.Context, pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signalsim").Msg("writePump write error")
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readPump(ctx context.Context, handle func(event string, data json.RawMessage)) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "signalsim").Msg("readPump read error")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			log.Error().Err(err).Str("module", "signalsim").Msg("bad json")
			continue
		}
		handle(env.Type, env.Data)
	}
}
