// Package engine provides an in-process conferencing engine for running
// without a native conferencing SDK.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// ReasonClosed is reported when the session is closed by its owner.
const ReasonClosed = "closed"

var ErrNoRoom = errors.New("engine: empty room")

type Options struct {
	// JoinDelay simulates the time to reach the conference server.
	JoinDelay time.Duration
}

type Headless struct {
	opts Options
}

var _ core.Engine = (*Headless)(nil)

func NewHeadless(opts Options) *Headless {
	return &Headless{opts: opts}
}

// Join starts joining in the background. Events are delivered on one goroutine per session.
func (e *Headless) Join(room string, cfg core.EngineConfig, _ map[string]bool, user core.EngineUser, l core.EngineListener) (core.EngineSession, error) {
	if room == "" {
		return nil, ErrNoRoom
	}
	s := &session{
		id:     uuid.NewString(),
		l:      l,
		audio:  cfg.StartWithAudioMuted,
		video:  cfg.StartWithVideoMuted,
		events: make(chan func(), 64),
		quit:   make(chan struct{}),
	}
	s.log = log.With().Str("module", "adapters.engine").Str("engine_session", s.id).Str("room", room).Logger()
	s.log.Info().
		Str("server", cfg.ServerURL).
		Str("display_name", user.DisplayName).
		Bool("audio_muted", s.audio).
		Bool("video_muted", s.video).
		Msg("join requested")

	go s.run(e.opts.JoinDelay)
	return s, nil
}

type session struct {
	id  string
	l   core.EngineListener
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
	audio  bool
	video  bool
	events chan func()
	quit   chan struct{}
}

func (s *session) run(delay time.Duration) {
	s.l.OnConferenceWillJoin()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.quit:
			t.Stop()
		}
	}
	s.mu.Lock()
	joined := !s.closed
	s.mu.Unlock()
	if joined {
		s.log.Info().Msg("conference joined")
		s.l.OnConferenceJoined()
	}
	for fn := range s.events {
		fn()
	}
}

func (s *session) SetAudioMuted(muted bool) error {
	return s.setMuted(domain.TrackAudio, muted)
}

func (s *session) SetVideoMuted(muted bool) error {
	return s.setMuted(domain.TrackVideo, muted)
}

func (s *session) setMuted(track domain.Track, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("engine: session closed")
	}
	if track == domain.TrackAudio {
		s.audio = muted
	} else {
		s.video = muted
	}
	s.events <- func() { s.l.OnMuteStatusChanged(track, muted) }
	return nil
}

// Close leaves the conference and reports termination once.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.events <- func() { s.l.OnConferenceTerminated(ReasonClosed) }
	close(s.events)
	s.log.Info().Msg("conference left")
	return nil
}
