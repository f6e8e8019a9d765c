// Package signal is the websocket transport of the signaling connection.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	URL        string
	PingPeriod time.Duration
	ReadLimit  int64
	SendQueue  int
	WriteWait  time.Duration
}

type Dialer struct {
	opts Options
	ws   *websocket.Dialer
}

var _ core.SignalDialer = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	return &Dialer{
		opts: opts,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens the socket with the bearer token. A 401 or 403 handshake
// is reported as core.ErrAuthRejected.
func (d *Dialer) Dial(ctx context.Context, token string, h core.SignalHandler) (core.SignalTransport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.ws.DialContext(ctx, d.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("signal dial: %w: %s", core.ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("signal dial: %w", err)
	}

	c := &Conn{
		conn:    ws,
		send:    make(chan core.Frame, d.opts.SendQueue),
		handler: h,
		opts:    d.opts,
		log:     log.With().Str("module", "adapters.signal").Str("url", d.opts.URL).Logger(),
	}
	if d.opts.ReadLimit > 0 {
		ws.SetReadLimit(d.opts.ReadLimit)
	}
	if d.opts.PingPeriod > 0 {
		wait := d.opts.PingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	c.log.Info().Msg("signal connected")

	go c.writePump()
	go c.readPump()
	return c, nil
}

// Conn is one live signaling socket.
type Conn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	handler core.SignalHandler
	opts    Options
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close is the owner's explicit teardown. The handler gets no OnClose afterwards.
func (c *Conn) Close() {
	c.shutdown(true)
}

// shutdown reports whether this call closed the connection.
func (c *Conn) shutdown(local bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	if !local {
		_ = c.conn.Close()
	}
	return true
}
