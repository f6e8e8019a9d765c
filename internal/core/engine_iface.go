package core

import "github.com/dkeye/Consult/internal/domain"

// EngineConfig mirrors the conference options the engine understands.
type EngineConfig struct {
	ServerURL           string
	Subject             string
	StartWithAudioMuted bool
	StartWithVideoMuted bool
}

type EngineUser struct {
	DisplayName string
	Email       string
	Avatar      string
}

// EngineListener receives the engine's event stream for one join.
// Events may arrive on any goroutine, including during Join.
type EngineListener interface {
	OnConferenceWillJoin()
	OnConferenceJoined()
	OnConferenceTerminated(reason string)
	OnError(err error)
	OnMuteStatusChanged(track domain.Track, muted bool)
}

// EngineSession is a joined (or joining) conference.
type EngineSession interface {
	SetAudioMuted(muted bool) error
	SetVideoMuted(muted bool) error
	Close() error
}

// Engine is the external conferencing engine. Nothing beyond this is assumed.
type Engine interface {
	Join(room string, cfg EngineConfig, flags map[string]bool, user EngineUser, l EngineListener) (EngineSession, error)
}
