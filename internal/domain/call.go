package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type CallKind string

const (
	CallVideo CallKind = "video"
	CallAudio CallKind = "audio"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallVideo, CallAudio:
		return CallKind(s), nil
	case "":
		return CallVideo, nil
	}
	return "", fmt.Errorf("unknown call kind %q", s)
}

// CallState values are stable; they are reported over the control API.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallInitiating CallState = "initiating"
	CallRinging    CallState = "ringing"
	CallAccepted   CallState = "accepted"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
	CallFailed     CallState = "failed"
	CallCancelled  CallState = "cancelled"
)

func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed || s == CallCancelled
}

// IsLive reports whether a session in this state blocks a new call.
func (s CallState) IsLive() bool {
	return s != CallIdle && !s.IsTerminal()
}

// IsPending reports whether the call is still waiting for a doctor.
func (s CallState) IsPending() bool {
	return s == CallInitiating || s == CallRinging
}

// InConference reports whether a conference handle may exist.
func (s CallState) InConference() bool {
	return s == CallAccepted || s == CallActive
}

// User-facing reasons attached to terminal states.
const (
	ReasonNoDoctor        = "no doctor available"
	ReasonDoctorLeft      = "doctor disconnected"
	ReasonConnectionError = "connection error"
	ReasonCancelled       = "cancelled by user"
	ReasonHangup          = "call ended"
	ReasonSessionExpired  = "session expired"
	ReasonSignedOut       = "signed out"
	ReasonBadResponse     = "call failed: invalid server response"

	defaultFailMessage = "unable to connect with a doctor"
)

// CallFailedReason formats a server supplied rejection for display.
func CallFailedReason(message string) string {
	if message == "" {
		message = defaultFailMessage
	}
	return "call failed: " + message
}

// PeerInfo is the doctor display data sent with call:accepted.
// Raw keeps the full payload since the backend may add fields.
type PeerInfo struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Credentials string          `json:"credentials,omitempty"`
	Avatar      string          `json:"avatar,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Track names a media track of the conference.
type Track string

const (
	TrackAudio Track = "audio"
	TrackVideo Track = "video"
)

// CallSnapshot is a read-only view of the current call session.
type CallSnapshot struct {
	ID         string    `json:"id,omitempty"`
	Kind       CallKind  `json:"kind,omitempty"`
	State      CallState `json:"state"`
	Room       string    `json:"room,omitempty"`
	Peer       *PeerInfo `json:"peer,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	Deadline   time.Time `json:"deadline,omitzero"`
	Reason     string    `json:"reason,omitempty"`
	AudioMuted bool      `json:"audio_muted"`
	VideoMuted bool      `json:"video_muted"`
}
