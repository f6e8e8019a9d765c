// Package conn owns the single signaling connection of the app.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// EventTokenExpired is consumed by the manager itself and never reaches subscribers.
const EventTokenExpired = "token_expired"

const (
	ReasonExplicit  = "explicit"
	ReasonExhausted = "reconnect attempts exhausted"
)

type LifecycleKind int

const (
	Connected LifecycleKind = iota
	Disconnected
	AuthExpired
)

type Lifecycle struct {
	Kind   LifecycleKind
	Reason string
}

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	DialTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		RetryDelay:  3 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

type SubscriptionID uint64

type Handler func(data json.RawMessage)

type subscription struct {
	id    SubscriptionID
	event string
	fn    Handler
	watch func(Lifecycle)
}

type Manager struct {
	dialer core.SignalDialer
	clock  core.Clock
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	token     string
	state     State
	attempts  int
	gen       uint64
	transport core.SignalTransport
	retry     core.Timer
	schedule  backoff.BackOff

	subMu  sync.RWMutex
	nextID SubscriptionID
	subs   []subscription
}

func NewManager(dialer core.SignalDialer, clock core.Clock, opts Options) *Manager {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Manager{
		dialer: dialer,
		clock:  clock,
		opts:   opts,
		log:    log.With().Str("module", "app.conn").Logger(),
		state:  StateDisconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts scheduled since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// Configure points the manager at token. A connection bound to another token is closed first.
func (m *Manager) Configure(token string) {
	m.mu.Lock()
	if token == m.token {
		m.mu.Unlock()
		return
	}
	t, prev := m.teardownLocked()
	m.token = token
	m.mu.Unlock()

	m.finishTeardown(t, prev, ReasonExplicit)
}

// Connect starts a dial in the background. It is a no-op while connected or connecting.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return domain.ErrNoCredential
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.schedule = nil
	m.attempts = 0
	gen := m.beginDialLocked(StateConnecting)
	token := m.token
	m.mu.Unlock()

	go m.dial(gen, token)
	return nil
}

// Disconnect closes the transport and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t, prev := m.teardownLocked()
	m.mu.Unlock()

	m.finishTeardown(t, prev, ReasonExplicit)
}

// Send emits a named event. Delivery is not acknowledged.
func (m *Manager) Send(event string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}

	m.mu.Lock()
	t := m.transport
	if m.state != StateConnected || t == nil {
		m.mu.Unlock()
		return domain.ErrNotConnected
	}
	m.mu.Unlock()

	if err := t.Emit(event, raw); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	m.log.Debug().Str("event", event).Msg("sent")
	return nil
}

// Subscribe registers fn for inbound event. Handlers run in registration order.
func (m *Manager) Subscribe(event string, fn Handler) SubscriptionID {
	return m.add(subscription{event: event, fn: fn})
}

// Watch registers fn for lifecycle notifications.
func (m *Manager) Watch(fn func(Lifecycle)) SubscriptionID {
	return m.add(subscription{watch: fn})
}

func (m *Manager) Unsubscribe(id SubscriptionID) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) add(s subscription) SubscriptionID {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	s.id = m.nextID
	m.subs = append(m.subs, s)
	return s.id
}

func (m *Manager) dial(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()

	t, err := m.dialer.Dial(ctx, token, &binding{m: m, gen: gen})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		m.log.Debug().Uint64("gen", gen).Msg("dial superseded")
		return
	}

	if err != nil {
		if errors.Is(err, core.ErrAuthRejected) {
			metrics.RecordDial("rejected")
			t, _ := m.teardownLocked()
			m.token = ""
			m.mu.Unlock()
			if t != nil {
				t.Close()
			}
			m.log.Warn().Err(err).Msg("credential rejected at handshake")
			m.notify(Lifecycle{Kind: AuthExpired, Reason: err.Error()})
			return
		}
		metrics.RecordDial("error")
		ev, exhausted := m.scheduleRetryLocked()
		attempts := m.attempts
		m.mu.Unlock()
		m.log.Warn().Err(err).Int("attempt", attempts).Msg("dial failed")
		if exhausted {
			m.notify(ev)
		}
		return
	}

	metrics.RecordDial("ok")
	m.transport = t
	m.state = StateConnected
	m.attempts = 0
	m.schedule = nil
	m.mu.Unlock()

	metrics.RecordConnected(true)
	m.log.Info().Uint64("gen", gen).Msg("connected")
	m.notify(Lifecycle{Kind: Connected})
}

func (m *Manager) beginDialLocked(st State) uint64 {
	m.gen++
	m.state = st
	return m.gen
}

// scheduleRetryLocked arms the single retry timer. When the bound is exhausted it
// leaves the manager disconnected and returns the notification to emit.
func (m *Manager) scheduleRetryLocked() (Lifecycle, bool) {
	m.stopRetryLocked()
	if m.schedule == nil {
		m.schedule = backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryDelay), uint64(m.opts.MaxAttempts))
	}
	d := m.schedule.NextBackOff()
	if d == backoff.Stop {
		m.schedule = nil
		m.state = StateDisconnected
		return Lifecycle{Kind: Disconnected, Reason: ReasonExhausted}, true
	}

	m.attempts++
	m.state = StateReconnecting
	gen := m.gen
	m.retry = m.clock.AfterFunc(d, func() { m.retryNow(gen) })
	metrics.Reconnects.Inc()
	return Lifecycle{}, false
}

func (m *Manager) retryNow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting || m.token == "" {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	next := m.beginDialLocked(StateReconnecting)
	token := m.token
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Msg("reconnecting")
	m.dial(next, token)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// teardownLocked invalidates the current generation so late callbacks are dropped.
func (m *Manager) teardownLocked() (core.SignalTransport, State) {
	m.stopRetryLocked()
	m.schedule = nil
	m.gen++
	t := m.transport
	m.transport = nil
	prev := m.state
	m.state = StateDisconnected
	m.attempts = 0
	return t, prev
}

func (m *Manager) finishTeardown(t core.SignalTransport, prev State, reason string) {
	if t != nil {
		t.Close()
	}
	if prev == StateDisconnected {
		return
	}
	metrics.RecordConnected(false)
	m.log.Info().Str("reason", reason).Msg("disconnected")
	m.notify(Lifecycle{Kind: Disconnected, Reason: reason})
}

func (m *Manager) transportClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.gen++
	wasConnected := m.state == StateConnected
	ev, exhausted := m.scheduleRetryLocked()
	m.mu.Unlock()

	reason := "transport closed"
	if err != nil {
		reason = err.Error()
	}
	metrics.RecordConnected(false)
	m.log.Warn().Str("reason", reason).Msg("connection lost")
	if wasConnected {
		m.notify(Lifecycle{Kind: Disconnected, Reason: reason})
	}
	if exhausted {
		m.notify(ev)
	}
}

func (m *Manager) authExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	t, _ := m.teardownLocked()
	m.token = ""
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	metrics.RecordConnected(false)
	m.log.Warn().Msg("server reported token expired")
	m.notify(Lifecycle{Kind: AuthExpired, Reason: domain.ErrAuthExpired.Error()})
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) deliver(gen uint64, event string, data json.RawMessage) {
	if !m.current(gen) {
		return
	}
	if event == EventTokenExpired {
		m.authExpired(gen)
		return
	}

	m.subMu.RLock()
	var fns []Handler
	for _, s := range m.subs {
		if s.fn != nil && s.event == event {
			fns = append(fns, s.fn)
		}
	}
	m.subMu.RUnlock()

	if len(fns) == 0 {
		m.log.Debug().Str("event", event).Msg("no subscribers")
		return
	}
	for _, fn := range fns {
		fn(data)
	}
}

func (m *Manager) notify(ev Lifecycle) {
	m.subMu.RLock()
	var fns []func(Lifecycle)
	for _, s := range m.subs {
		if s.watch != nil {
			fns = append(fns, s.watch)
		}
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// binding ties transport callbacks to the generation they were dialed with.
type binding struct {
	m   *Manager
	gen uint64
}

func (b *binding) OnMessage(event string, data json.RawMessage) {
	b.m.deliver(b.gen, event, data)
}

func (b *binding) OnClose(err error) {
	b.m.transportClosed(b.gen, err)
}

func (b *binding) OnError(err error) {
	if !b.m.current(b.gen) {
		return
	}
	b.m.log.Error().Err(err).Msg("transport error")
}
