package signalsim

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Messages the simulator sends to patients when a call cannot go ahead.
const (
	MsgNoDoctors   = "No doctors are online right now"
	MsgDeclined    = "The doctor declined the call"
	MsgRateLimited = "Too many call attempts, please try again later"
	MsgBusy        = "A call is already in progress"
)

type callState int

const (
	callRinging callState = iota
	callAccepted
)

type call struct {
	id        string
	requestID string
	room      string
	state     callState
	patient   *peer
	doctor    *peer
	notified  map[string]bool
	rejected  map[string]bool
	auto      *time.Timer
}

func (c *call) ids() gin.H {
	h := gin.H{"callId": c.id}
	if c.requestID != "" {
		h["requestId"] = c.requestID
	}
	return h
}

func (s *Server) onPatient(p *peer, event string, data json.RawMessage) {
	switch event {
	case "ping":
		p.emit("pong", nil)
	case "call:initiate":
		var req struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(data, &req)
		s.initiate(p, req.RequestID)
	case "call:end":
		s.mu.Lock()
		s.dropPatientLocked(p)
		s.mu.Unlock()
	default:
		s.log.Warn().Str("type", event).Msg("unknown patient signal")
	}
}

func (s *Server) onDoctor(d *peer, event string, data json.RawMessage) {
	var req struct {
		CallID string `json:"callId"`
	}
	_ = json.Unmarshal(data, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case "ping":
		d.emit("pong", nil)
	case "call:accept":
		s.acceptLocked(d, req.CallID)
	case "call:reject":
		s.rejectLocked(d, req.CallID)
	case "call:end":
		s.dropDoctorLocked(d)
	default:
		s.log.Warn().Str("type", event).Msg("unknown doctor signal")
	}
}

func (s *Server) initiate(p *peer, requestID string) {
	failed := func(msg string) {
		h := gin.H{"message": msg}
		if requestID != "" {
			h["requestId"] = requestID
		}
		p.emit("call:failed", h)
	}

	if !s.limiter.Allow(p.id) {
		s.log.Warn().Str("patient", p.id).Msg("call:initiate rate limited")
		failed(MsgRateLimited)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.callID != "" {
		failed(MsgBusy)
		return
	}
	var idle []*peer
	for _, d := range s.doctors {
		if d.callID == "" {
			idle = append(idle, d)
		}
	}
	if len(idle) == 0 && s.opts.AutoAccept <= 0 {
		failed(MsgNoDoctors)
		return
	}

	c := &call{
		id:        uuid.NewString(),
		requestID: requestID,
		room:      s.roomURL("consult-" + uuid.NewString()[:8]),
		patient:   p,
		notified:  make(map[string]bool),
		rejected:  make(map[string]bool),
	}
	s.calls[c.id] = c
	p.callID = c.id
	s.log.Info().Str("call", c.id).Str("patient", p.id).Int("doctors", len(idle)).Msg("call initiated")

	msg := c.ids()
	msg["jitsiRoom"] = c.room
	p.emit("call:initiated", msg)

	for _, d := range idle {
		c.notified[d.id] = true
		d.emit("call:incoming", gin.H{
			"callId":  c.id,
			"patient": gin.H{"id": p.id, "name": p.name},
			"room":    c.room,
		})
	}
	if len(idle) == 0 {
		c.auto = time.AfterFunc(s.opts.AutoAccept, func() { s.autoAccept(c.id) })
	}
}

func (s *Server) roomURL(name string) string {
	if s.opts.JitsiURL == "" {
		return name
	}
	return strings.TrimRight(s.opts.JitsiURL, "/") + "/" + name
}

func (s *Server) autoAccept(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &peer{id: "auto-" + callID[:8], name: "Dr. Auto", creds: "General Practitioner", role: roleDoctor}
	s.acceptLocked(d, callID)
}

func (s *Server) acceptLocked(d *peer, callID string) {
	c, ok := s.calls[callID]
	if !ok || c.state != callRinging || d.callID != "" {
		d.emit("call:unavailable", gin.H{"callId": callID})
		return
	}
	if c.auto != nil {
		c.auto.Stop()
	}
	c.state = callAccepted
	c.doctor = d
	d.callID = c.id
	s.log.Info().Str("call", c.id).Str("doctor", d.name).Msg("call accepted")

	msg := c.ids()
	msg["id"] = d.id
	msg["name"] = d.name
	if d.creds != "" {
		msg["credentials"] = d.creds
	}
	c.patient.emit("call:accepted", msg)
	d.emit("call:started", gin.H{"callId": c.id, "jitsiRoom": c.room})

	for id := range c.notified {
		if other, ok := s.doctors[id]; ok && other != d {
			other.emit("call:taken", gin.H{"callId": c.id})
		}
	}
}

func (s *Server) rejectLocked(d *peer, callID string) {
	c, ok := s.calls[callID]
	if !ok || c.state != callRinging {
		return
	}
	c.rejected[d.id] = true
	for id := range c.notified {
		if _, online := s.doctors[id]; online && !c.rejected[id] {
			return
		}
	}
	if c.auto != nil {
		return
	}
	s.log.Info().Str("call", c.id).Msg("every doctor declined")
	msg := c.ids()
	msg["message"] = MsgDeclined
	c.patient.emit("call:failed", msg)
	s.removeLocked(c)
}

// dropPatientLocked ends whatever call the patient is part of.
func (s *Server) dropPatientLocked(p *peer) {
	c, ok := s.calls[p.callID]
	if !ok {
		return
	}
	if c.doctor != nil {
		c.doctor.emit("call:ended", gin.H{"callId": c.id, "reason": "patient left"})
	} else {
		for id := range c.notified {
			if d, ok := s.doctors[id]; ok {
				d.emit("call:cancelled", gin.H{"callId": c.id})
			}
		}
	}
	s.log.Info().Str("call", c.id).Msg("call ended by patient")
	s.removeLocked(c)
}

// dropDoctorLocked tells the patient the doctor is gone, or counts as a decline while ringing.
func (s *Server) dropDoctorLocked(d *peer) {
	if c, ok := s.calls[d.callID]; ok {
		c.patient.emit("doctor:disconnected", c.ids())
		s.log.Info().Str("call", c.id).Msg("doctor left the call")
		s.removeLocked(c)
		return
	}
	for _, c := range s.calls {
		if c.notified[d.id] && c.state == callRinging {
			delete(c.notified, d.id)
			s.rejectLocked(d, c.id)
		}
	}
}

func (s *Server) removeLocked(c *call) {
	if c.auto != nil {
		c.auto.Stop()
	}
	delete(s.calls, c.id)
	if c.patient.callID == c.id {
		c.patient.callID = ""
	}
	if c.doctor != nil && c.doctor.callID == c.id {
		c.doctor.callID = ""
	}
}
