package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Consult/internal/domain"
)

// envelope is the wire shape of every signaling message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (c *Conn) Emit(event string, data json.RawMessage) error {
	b, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	var cause error
	defer func() {
		if c.shutdown(false) {
			c.log.Info().AnErr("cause", cause).Msg("signal connection lost")
			c.handler.OnClose(cause)
			return
		}
		c.log.Debug().Msg("readPump closing")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		perr := &domain.ProtocolError{Event: env.Type, Detail: "bad envelope", Payload: data}
		if err != nil {
			perr.Detail = err.Error()
		}
		c.log.Warn().Err(perr).Msg("bad json")
		c.handler.OnError(perr)
		return
	}
	c.handler.OnMessage(env.Type, env.Data)
}
