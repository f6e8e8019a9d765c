// Package call drives the single patient call session through its lifecycle.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app/conference"
	"github.com/dkeye/Consult/internal/app/conn"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/metrics"
)

// Signaling event names.
const (
	EventInitiate           = "call:initiate"
	EventEnd                = "call:end"
	EventInitiated          = "call:initiated"
	EventAccepted           = "call:accepted"
	EventFailed             = "call:failed"
	EventDoctorDisconnected = "doctor:disconnected"
)

var ErrClosed = errors.New("call machine closed")

// Signaling is the part of the connection manager the machine uses.
type Signaling interface {
	State() conn.State
	Send(event string, payload any) error
	Subscribe(event string, fn conn.Handler) conn.SubscriptionID
	Watch(fn func(conn.Lifecycle)) conn.SubscriptionID
	Unsubscribe(id conn.SubscriptionID)
}

type Conference interface {
	Start(room string, kind domain.CallKind, l conference.Listener) (*conference.Handle, error)
}

type Options struct {
	RingTimeout time.Duration
	// OnChange runs on the machine goroutine after every transition.
	// It must not call back into the machine synchronously.
	OnChange func(domain.CallSnapshot)
}

type session struct {
	id         string
	kind       domain.CallKind
	state      domain.CallState
	room       string
	callID     string
	peer       *domain.PeerInfo
	startedAt  time.Time
	deadline   time.Time
	reason     string
	audioMuted bool
	videoMuted bool
}

// wireIDs correlate server events with the attempt they belong to.
// Both are optional on the wire.
type wireIDs struct {
	RequestID string `json:"requestId,omitempty"`
	CallID    string `json:"callId,omitempty"`
}

func (s *session) matches(ids wireIDs) bool {
	if ids.RequestID != "" && ids.RequestID != s.id {
		return false
	}
	if ids.CallID != "" && s.callID != "" && ids.CallID != s.callID {
		return false
	}
	return true
}

type event struct {
	fn   func() error
	done chan error
}

// Machine is the single source of truth for the call. All session state is owned by
// one goroutine that processes events strictly one at a time, in arrival order.
type Machine struct {
	sig   Signaling
	conf  Conference
	clock core.Clock
	opts  Options
	log   zerolog.Logger

	qmu     sync.Mutex
	queue   []event
	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	subs    []conn.SubscriptionID
	current atomic.Pointer[domain.CallSnapshot]

	// owned by the loop goroutine
	sess   *session
	handle *conference.Handle
	timer  core.Timer
}

func NewMachine(sig Signaling, conf Conference, clock core.Clock, opts Options) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	m := &Machine{
		sig:     sig,
		conf:    conf,
		clock:   clock,
		opts:    opts,
		log:     log.With().Str("module", "app.call").Logger(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.current.Store(&domain.CallSnapshot{State: domain.CallIdle})

	m.on(EventInitiated, m.onInitiated)
	m.on(EventAccepted, m.onAccepted)
	m.on(EventFailed, m.onFailed)
	m.on(EventDoctorDisconnected, m.onDoctorDisconnected)
	m.subs = append(m.subs, sig.Watch(func(ev conn.Lifecycle) {
		m.post(func() error { m.onLifecycle(ev); return nil })
	}))

	go m.run()
	return m
}

func (m *Machine) on(event string, fn func(json.RawMessage)) {
	m.subs = append(m.subs, m.sig.Subscribe(event, func(data json.RawMessage) {
		m.post(func() error { fn(data); return nil })
	}))
}

// Close ends any call in progress and stops the machine goroutine.
func (m *Machine) Close() {
	m.once.Do(func() {
		for _, id := range m.subs {
			m.sig.Unsubscribe(id)
		}
		_ = m.call(func() error {
			m.abort(domain.ReasonHangup)
			m.stopTimer()
			return nil
		})
		close(m.quit)
		<-m.stopped
	})
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			ev, ok := m.next()
			if !ok {
				break
			}
			err := ev.fn()
			if ev.done != nil {
				ev.done <- err
			}
		}
	}
}

func (m *Machine) next() (event, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = event{}
	m.queue = m.queue[1:]
	return ev, true
}

func (m *Machine) enqueue(ev event) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// post queues fn without waiting. Used for network, engine and timer callbacks.
func (m *Machine) post(fn func() error) {
	m.enqueue(event{fn: fn})
}

// call queues fn and waits until it ran, after everything queued before it.
func (m *Machine) call(fn func() error) error {
	done := make(chan error, 1)
	m.enqueue(event{fn: fn, done: done})
	select {
	case err := <-done:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

// Current returns the last published snapshot without waiting for queued events.
func (m *Machine) Current() domain.CallSnapshot {
	return *m.current.Load()
}

// Snapshot returns the state after every event queued so far has been processed.
func (m *Machine) Snapshot() domain.CallSnapshot {
	var snap domain.CallSnapshot
	if err := m.call(func() error { snap = m.snapshot(); return nil }); err != nil {
		return m.Current()
	}
	return snap
}

// StartCall begins a new attempt. It requires a live signaling connection.
func (m *Machine) StartCall(kind domain.CallKind) error {
	return m.call(func() error {
		if m.sess != nil {
			return domain.ErrCallInProgress
		}
		if st := m.sig.State(); st != conn.StateConnected {
			m.log.Info().Str("conn_state", string(st)).Msg("call requested without connection")
			return fmt.Errorf("start call: %w", domain.ErrConnectionUnavailable)
		}

		now := m.clock.Now()
		s := &session{
			id:         uuid.NewString(),
			kind:       kind,
			state:      domain.CallIdle,
			startedAt:  now,
			deadline:   now.Add(m.opts.RingTimeout),
			videoMuted: kind == domain.CallAudio,
		}
		req := struct {
			RequestID string          `json:"requestId"`
			Kind      domain.CallKind `json:"kind"`
		}{s.id, kind}
		if err := m.sig.Send(EventInitiate, req); err != nil {
			m.log.Warn().Err(err).Msg("call:initiate not sent")
			return fmt.Errorf("start call: %w: %w", domain.ErrConnectionUnavailable, err)
		}

		m.sess = s
		m.setState(domain.CallInitiating, "")
		sid := s.id
		m.timer = m.clock.AfterFunc(m.opts.RingTimeout, func() {
			m.post(func() error { m.ringTimeout(sid); return nil })
		})
		return nil
	})
}

// Cancel abandons a call that has not been accepted yet.
func (m *Machine) Cancel() error {
	return m.call(func() error {
		switch {
		case m.sess == nil || m.sess.state.IsTerminal():
			return domain.ErrNoActiveCall
		case !m.sess.state.IsPending():
			return fmt.Errorf("cancel in %s: %w", m.sess.state, domain.ErrInvalidTransition)
		}
		m.sendEnd()
		m.finish(domain.CallCancelled, domain.ReasonCancelled)
		return nil
	})
}

// EndCall hangs up an accepted or active call.
func (m *Machine) EndCall() error {
	return m.call(func() error {
		switch {
		case m.sess == nil || m.sess.state.IsTerminal():
			return domain.ErrNoActiveCall
		case !m.sess.state.InConference():
			return fmt.Errorf("end call in %s: %w", m.sess.state, domain.ErrInvalidTransition)
		}
		m.sendEnd()
		m.finish(domain.CallEnded, domain.ReasonHangup)
		return nil
	})
}

// Reset dismisses a finished call and returns to idle.
func (m *Machine) Reset() error {
	return m.call(func() error {
		if m.sess == nil {
			return nil
		}
		if !m.sess.state.IsTerminal() {
			return fmt.Errorf("reset in %s: %w", m.sess.state, domain.ErrInvalidTransition)
		}
		from := m.sess.state
		m.sess = nil
		metrics.RecordCallTransition(string(from), string(domain.CallIdle), false, "")
		m.publish()
		return nil
	})
}

// Abort ends whatever is in flight with reason. Used when the credential goes away.
func (m *Machine) Abort(reason string) error {
	return m.call(func() error {
		m.abort(reason)
		return nil
	})
}

func (m *Machine) SetAudioMuted(muted bool) error {
	return m.setMuted(domain.TrackAudio, muted)
}

func (m *Machine) SetVideoMuted(muted bool) error {
	return m.setMuted(domain.TrackVideo, muted)
}

func (m *Machine) setMuted(track domain.Track, muted bool) error {
	return m.call(func() error {
		if m.handle == nil || m.sess == nil {
			return domain.ErrNoActiveCall
		}
		var err error
		if track == domain.TrackAudio {
			err = m.handle.SetAudioMuted(muted)
		} else {
			err = m.handle.SetVideoMuted(muted)
		}
		m.sess.audioMuted, m.sess.videoMuted = m.handle.MuteState()
		m.publish()
		return err
	})
}

func (m *Machine) abort(reason string) {
	s := m.sess
	if s == nil {
		return
	}
	switch {
	case s.state.IsPending():
		m.sendEnd()
		m.finish(domain.CallCancelled, reason)
	case s.state.InConference():
		m.sendEnd()
		m.finish(domain.CallEnded, reason)
	}
}

func (m *Machine) onInitiated(data json.RawMessage) {
	s := m.sess
	if s == nil || s.state != domain.CallInitiating {
		m.log.Debug().Msg("call:initiated ignored, no call initiating")
		return
	}
	var p struct {
		wireIDs
		JitsiRoom string `json:"jitsiRoom"`
	}
	err := json.Unmarshal(data, &p)
	if err == nil && !s.matches(p.wireIDs) {
		m.log.Debug().Str("request_id", p.RequestID).Msg("call:initiated for another attempt ignored")
		return
	}
	if err != nil || strings.TrimSpace(p.JitsiRoom) == "" {
		perr := &domain.ProtocolError{Event: EventInitiated, Detail: "missing room identifier", Payload: data}
		if err != nil {
			perr.Detail = err.Error()
		}
		m.log.Error().Err(perr).Str("payload", string(data)).Str("session", s.id).Msg("bad call:initiated")
		m.finish(domain.CallFailed, domain.ReasonBadResponse)
		return
	}

	s.room = p.JitsiRoom
	s.callID = p.CallID
	m.setState(domain.CallRinging, "")
}

func (m *Machine) onAccepted(data json.RawMessage) {
	s := m.sess
	if s == nil || s.state != domain.CallRinging {
		m.log.Debug().Msg("call:accepted ignored, no call ringing")
		return
	}
	var ids wireIDs
	var peer domain.PeerInfo
	if err := json.Unmarshal(data, &ids); err == nil && !s.matches(ids) {
		m.log.Debug().Str("call_id", ids.CallID).Msg("call:accepted for another call ignored")
		return
	}
	if err := json.Unmarshal(data, &peer); err != nil {
		m.log.Warn().Err(err).Str("payload", string(data)).Msg("call:accepted without readable peer info")
	}
	peer.Raw = append(json.RawMessage(nil), data...)

	m.stopTimer()
	s.peer = &peer
	m.setState(domain.CallAccepted, "")

	h, err := m.conf.Start(s.room, s.kind, &confEvents{m: m})
	if err != nil {
		m.log.Error().Err(err).Str("session", s.id).Msg("conference start failed")
		m.sendEnd()
		m.finish(domain.CallEnded, err.Error())
		return
	}
	m.handle = h
	s.audioMuted, s.videoMuted = h.MuteState()
	m.publish()
}

func (m *Machine) onFailed(data json.RawMessage) {
	s := m.sess
	if s == nil || !s.state.IsPending() {
		m.log.Debug().Msg("call:failed ignored, no pending call")
		return
	}
	var p struct {
		wireIDs
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		m.log.Warn().Err(err).Str("payload", string(data)).Msg("unreadable call:failed")
	} else if !s.matches(p.wireIDs) {
		return
	}
	m.finish(domain.CallFailed, domain.CallFailedReason(p.Message))
}

func (m *Machine) onDoctorDisconnected(data json.RawMessage) {
	s := m.sess
	if s == nil || !s.state.InConference() {
		m.log.Debug().Msg("doctor:disconnected ignored, not in a call")
		return
	}
	var ids wireIDs
	if err := json.Unmarshal(data, &ids); err == nil && !s.matches(ids) {
		return
	}
	m.finish(domain.CallEnded, domain.ReasonDoctorLeft)
}

func (m *Machine) onLifecycle(ev conn.Lifecycle) {
	s := m.sess
	if s == nil || s.state.IsTerminal() {
		return
	}
	switch ev.Kind {
	case conn.AuthExpired:
		m.abort(domain.ReasonSessionExpired)
	case conn.Disconnected:
		if s.state.IsPending() {
			m.log.Warn().Str("reason", ev.Reason).Msg("connection lost while calling")
			m.finish(domain.CallFailed, domain.ReasonConnectionError)
		}
	}
}

// ringTimeout is a no-op unless the attempt that armed it is still waiting.
func (m *Machine) ringTimeout(sid string) {
	s := m.sess
	if s == nil || s.id != sid || !s.state.IsPending() {
		return
	}
	m.timer = nil
	if s.state == domain.CallRinging {
		m.sendEnd()
	}
	m.finish(domain.CallFailed, domain.ReasonNoDoctor)
}

func (m *Machine) onJoined(h *conference.Handle) {
	if h != m.handle || m.sess == nil || m.sess.state != domain.CallAccepted {
		return
	}
	m.setState(domain.CallActive, "")
}

func (m *Machine) onEngineTerminated(h *conference.Handle, reason string, cause error) {
	if h != m.handle || m.sess == nil {
		return
	}
	m.handle = nil
	if !m.sess.state.InConference() {
		return
	}
	m.log.Info().Str("engine_reason", reason).Msg("engine ended the conference")
	r := domain.ReasonHangup
	if cause != nil {
		r = cause.Error()
	}
	m.sendEnd()
	m.finish(domain.CallEnded, r)
}

func (m *Machine) onMuteChanged(h *conference.Handle, track domain.Track, muted bool) {
	if h != m.handle || m.sess == nil {
		return
	}
	if track == domain.TrackAudio {
		m.sess.audioMuted = muted
	} else {
		m.sess.videoMuted = muted
	}
	m.publish()
}

func (m *Machine) sendEnd() {
	s := m.sess
	req := wireIDs{RequestID: s.id, CallID: s.callID}
	if err := m.sig.Send(EventEnd, req); err != nil {
		m.log.Warn().Err(err).Str("session", s.id).Msg("call:end not sent")
	}
}

// finish tears the conference down before the session becomes terminal.
func (m *Machine) finish(to domain.CallState, reason string) {
	m.stopTimer()
	if h := m.handle; h != nil {
		m.handle = nil
		h.Terminate()
	}
	m.setState(to, reason)
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) setState(to domain.CallState, reason string) {
	s := m.sess
	from := s.state
	s.state = to
	if to.IsTerminal() {
		s.reason = reason
	}
	metrics.RecordCallTransition(string(from), string(to), to.IsTerminal(), reason)
	ev := m.log.Info().Str("session", s.id).Str("from", string(from)).Str("to", string(to))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("call transition")
	m.publish()
}

func (m *Machine) snapshot() domain.CallSnapshot {
	s := m.sess
	if s == nil {
		return domain.CallSnapshot{State: domain.CallIdle}
	}
	snap := domain.CallSnapshot{
		ID:         s.id,
		Kind:       s.kind,
		State:      s.state,
		Room:       s.room,
		StartedAt:  s.startedAt,
		Deadline:   s.deadline,
		Reason:     s.reason,
		AudioMuted: s.audioMuted,
		VideoMuted: s.videoMuted,
	}
	if s.peer != nil {
		p := *s.peer
		snap.Peer = &p
	}
	return snap
}

func (m *Machine) publish() {
	snap := m.snapshot()
	m.current.Store(&snap)
	if m.opts.OnChange != nil {
		m.opts.OnChange(snap)
	}
}

// confEvents posts adapter callbacks onto the machine goroutine.
type confEvents struct {
	m *Machine
}

func (c *confEvents) OnJoined(h *conference.Handle) {
	c.m.post(func() error { c.m.onJoined(h); return nil })
}

func (c *confEvents) OnTerminated(h *conference.Handle, reason string, err error) {
	c.m.post(func() error { c.m.onEngineTerminated(h, reason, err); return nil })
}

func (c *confEvents) OnError(h *conference.Handle, err error) {
	c.m.log.Warn().Err(err).Str("handle", h.ID()).Msg("conference error")
}

func (c *confEvents) OnMuteStateChanged(h *conference.Handle, track domain.Track, muted bool) {
	c.m.post(func() error { c.m.onMuteChanged(h, track, muted); return nil })
}
