// Package conference isolates the external conferencing engine behind a narrow handle.
package conference

import (
	"errors"
	"maps"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// ReasonLocal is reported when the app itself ends the conference.
const ReasonLocal = "terminated locally"

// Listener receives the only signals the call machine depends on.
// Callbacks never run with adapter locks held.
type Listener interface {
	OnJoined(h *Handle)
	OnTerminated(h *Handle, reason string, err error)
	OnError(h *Handle, err error)
	OnMuteStateChanged(h *Handle, track domain.Track, muted bool)
}

type Options struct {
	ServerURL   string
	Subject     string
	DisplayName string
	Email       string
	Avatar      string
	Flags       map[string]bool
}

// DefaultFlags are the feature flags the patient app always sets.
func DefaultFlags() map[string]bool {
	return map[string]bool{
		"audioMute.enabled":                true,
		"ios.screensharing.enabled":        true,
		"fullscreen.enabled":               true,
		"audioOnly.enabled":                true,
		"android.screensharing.enabled":    true,
		"pip.enabled":                      true,
		"pip-while-screen-sharing.enabled": true,
		"conference-timer.enabled":         true,
		"close-captions.enabled":           false,
		"toolbox.enabled":                  true,
	}
}

type Adapter struct {
	engine core.Engine
	opts   Options
}

func NewAdapter(engine core.Engine, opts Options) *Adapter {
	if opts.Subject == "" {
		opts.Subject = "Medical Consultation"
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "Patient"
	}
	if opts.Flags == nil {
		opts.Flags = DefaultFlags()
	}
	return &Adapter{engine: engine, opts: opts}
}

// RoomName extracts the engine room from the room identifier the backend hands out,
// which may be a full meeting URL.
func RoomName(identifier string) string {
	s := strings.TrimSpace(identifier)
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Path
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Start begins joining room. Success is reported through Listener.OnJoined;
// the returned handle only issues commands.
func (a *Adapter) Start(room string, kind domain.CallKind, l Listener) (*Handle, error) {
	name := RoomName(room)
	if name == "" {
		return nil, &domain.EngineError{Op: "join", Err: errors.New("empty room name")}
	}

	cfg := core.EngineConfig{
		ServerURL:           a.opts.ServerURL,
		Subject:             a.opts.Subject,
		StartWithAudioMuted: false,
		StartWithVideoMuted: kind == domain.CallAudio,
	}
	user := core.EngineUser{
		DisplayName: a.opts.DisplayName,
		Email:       a.opts.Email,
		Avatar:      a.opts.Avatar,
	}

	h := &Handle{
		id:         uuid.NewString(),
		room:       name,
		listener:   l,
		audioMuted: cfg.StartWithAudioMuted,
		videoMuted: cfg.StartWithVideoMuted,
	}
	h.log = log.With().Str("module", "app.conference").Str("handle", h.id).Str("room", name).Logger()

	s, err := a.engine.Join(name, cfg, maps.Clone(a.opts.Flags), user, &engineEvents{h: h})
	if err != nil {
		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("join failed")
		return nil, &domain.EngineError{Op: "join", Err: err}
	}
	h.attach(s)
	h.log.Info().Str("kind", string(kind)).Msg("joining conference")
	return h, nil
}

// Handle is the live engine instance of one accepted call.
type Handle struct {
	id       string
	room     string
	listener Listener
	log      zerolog.Logger

	mu           sync.Mutex
	session      core.EngineSession
	joined       bool
	terminated   bool
	audioMuted   bool
	videoMuted   bool
	pendingAudio *bool
	pendingVideo *bool
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Room() string { return h.room }

// MuteState returns the locally tracked values. They are provisional until the
// engine echoes a mute status change.
func (h *Handle) MuteState() (audio, video bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audioMuted, h.videoMuted
}

func (h *Handle) Joined() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.joined
}

func (h *Handle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *Handle) SetAudioMuted(muted bool) error {
	return h.setMuted(domain.TrackAudio, muted)
}

func (h *Handle) SetVideoMuted(muted bool) error {
	return h.setMuted(domain.TrackVideo, muted)
}

func (h *Handle) setMuted(track domain.Track, muted bool) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if track == domain.TrackAudio {
		h.audioMuted = muted
	} else {
		h.videoMuted = muted
	}
	if !h.joined || h.session == nil {
		v := muted
		if track == domain.TrackAudio {
			h.pendingAudio = &v
		} else {
			h.pendingVideo = &v
		}
		h.mu.Unlock()
		h.log.Debug().Str("track", string(track)).Bool("muted", muted).Msg("mute queued until join")
		return nil
	}
	s := h.session
	h.mu.Unlock()

	return apply(s, track, muted)
}

func apply(s core.EngineSession, track domain.Track, muted bool) error {
	var err error
	if track == domain.TrackAudio {
		err = s.SetAudioMuted(muted)
	} else {
		err = s.SetVideoMuted(muted)
	}
	if err != nil {
		return &domain.EngineError{Op: "mute " + string(track), Err: err}
	}
	return nil
}

// Terminate releases the engine session. It is safe to call at any time, any number
// of times; the listener sees exactly one OnTerminated.
func (h *Handle) Terminate() {
	h.finish(ReasonLocal, nil)
}

func (h *Handle) finish(reason string, cause error) bool {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return false
	}
	h.terminated = true
	s := h.session
	h.session = nil
	h.pendingAudio, h.pendingVideo = nil, nil
	h.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			h.log.Warn().Err(err).Msg("engine close")
		}
	}
	h.log.Info().Str("reason", reason).Msg("conference terminated")
	h.listener.OnTerminated(h, reason, cause)
	return true
}

// attach stores the session returned by Join. Engine events may already have arrived.
func (h *Handle) attach(s core.EngineSession) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		if err := s.Close(); err != nil {
			h.log.Warn().Err(err).Msg("engine close")
		}
		return
	}
	h.session = s
	var audio, video *bool
	if h.joined {
		audio, video = h.takePendingLocked()
	}
	h.mu.Unlock()

	h.flush(s, audio, video)
}

func (h *Handle) takePendingLocked() (audio, video *bool) {
	audio, video = h.pendingAudio, h.pendingVideo
	h.pendingAudio, h.pendingVideo = nil, nil
	return audio, video
}

func (h *Handle) flush(s core.EngineSession, audio, video *bool) {
	if audio != nil {
		if err := apply(s, domain.TrackAudio, *audio); err != nil {
			h.log.Warn().Err(err).Msg("apply queued mute")
		}
	}
	if video != nil {
		if err := apply(s, domain.TrackVideo, *video); err != nil {
			h.log.Warn().Err(err).Msg("apply queued mute")
		}
	}
}

// engineEvents adapts the engine listener to the handle.
type engineEvents struct {
	h *Handle
}

func (e *engineEvents) OnConferenceWillJoin() {
	e.h.log.Debug().Msg("conference will join")
}

func (e *engineEvents) OnConferenceJoined() {
	h := e.h
	h.mu.Lock()
	if h.terminated || h.joined {
		h.mu.Unlock()
		return
	}
	h.joined = true
	s := h.session
	var audio, video *bool
	if s != nil {
		audio, video = h.takePendingLocked()
	}
	h.mu.Unlock()

	if s != nil {
		h.flush(s, audio, video)
	}
	h.log.Info().Msg("conference joined")
	h.listener.OnJoined(h)
}

func (e *engineEvents) OnConferenceTerminated(reason string) {
	e.h.finish(reason, nil)
}

func (e *engineEvents) OnError(err error) {
	ee := &domain.EngineError{Op: "conference", Err: err}
	if e.h.finish(ee.Error(), ee) {
		e.h.listener.OnError(e.h, ee)
	}
}

// OnMuteStatusChanged takes the engine's report as ground truth.
func (e *engineEvents) OnMuteStatusChanged(track domain.Track, muted bool) {
	h := e.h
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	var local bool
	if track == domain.TrackAudio {
		local, h.audioMuted = h.audioMuted, muted
	} else {
		local, h.videoMuted = h.videoMuted, muted
	}
	h.mu.Unlock()

	if local != muted {
		h.log.Info().Str("track", string(track)).Bool("muted", muted).Msg("mute state corrected by engine")
	}
	h.listener.OnMuteStateChanged(h, track, muted)
}
