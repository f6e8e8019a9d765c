package orch

import (
	"errors"

	"github.com/dkeye/Consult/internal/app/conn"
	"github.com/dkeye/Consult/internal/domain"
)

// StartCall asks for a doctor. Without a live connection it also kicks off a
// reconnect so a retry can succeed.
func (o *Orchestrator) StartCall(kind domain.CallKind) error {
	err := o.Calls.StartCall(kind)
	if errors.Is(err, domain.ErrConnectionUnavailable) && o.Conn.HasCredential() {
		if cerr := o.Conn.Connect(); cerr != nil {
			o.log.Debug().Err(cerr).Msg("reconnect on call request")
		}
	}
	return err
}

func (o *Orchestrator) CancelCall() error { return o.Calls.Cancel() }
func (o *Orchestrator) EndCall() error    { return o.Calls.EndCall() }
func (o *Orchestrator) ResetCall() error  { return o.Calls.Reset() }

func (o *Orchestrator) SetMuted(track domain.Track, muted bool) error {
	if track == domain.TrackAudio {
		return o.Calls.SetAudioMuted(muted)
	}
	return o.Calls.SetVideoMuted(muted)
}

// Session is the aggregate view served to the client UI.
type Session struct {
	Authenticated   bool                `json:"authenticated"`
	Phone           string              `json:"phone,omitempty"`
	Patient         *domain.Patient     `json:"patient,omitempty"`
	LanguageEnglish bool                `json:"language_english"`
	Connection      conn.State          `json:"connection"`
	Attempts        int                 `json:"reconnect_attempts"`
	Call            domain.CallSnapshot `json:"call"`
}

func (o *Orchestrator) Session() Session {
	s := Session{
		LanguageEnglish: o.Credentials.LanguageEnglish(),
		Connection:      o.Conn.State(),
		Attempts:        o.Conn.Attempts(),
		Call:            o.Calls.Current(),
	}
	if c := o.Credentials.Current(); c != nil {
		s.Authenticated = true
		s.Phone = c.Phone
		s.Patient = c.Patient
	}
	return s
}
