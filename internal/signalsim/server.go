// Package signalsim is a development backend that speaks the patient signaling
// protocol and dispatches calls to connected doctors.
package signalsim

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/domain"
)

type Options struct {
	OTP        string
	RateLimit  int
	RateWindow time.Duration
	// AutoAccept lets a built-in doctor take calls when no real doctor is online.
	AutoAccept time.Duration
	JitsiURL   string
	PingPeriod time.Duration
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		OTP:        cfg.Sim.OTP,
		RateLimit:  cfg.Sim.RateLimit,
		RateWindow: cfg.Sim.RateWindow,
		AutoAccept: cfg.Sim.AutoAccept,
		JitsiURL:   cfg.JitsiServerURL,
		PingPeriod: cfg.PingPeriod,
	}
}

type role string

const (
	rolePatient role = "patient"
	roleDoctor  role = "doctor"
)

type peer struct {
	id     string
	name   string
	creds  string
	role   role
	conn   *wsConn
	callID string
}

// emit is a no-op for the built-in doctor, which has no socket.
func (p *peer) emit(event string, v any) {
	if p.conn != nil {
		p.conn.emit(event, v)
	}
}

type Server struct {
	opts     Options
	Registry *Registry
	limiter  *RateLimiter
	log      zerolog.Logger

	mu       sync.Mutex
	patients map[domain.PatientID]*peer
	doctors  map[string]*peer
	calls    map[string]*call
}

func NewServer(opts Options) *Server {
	if opts.OTP == "" {
		opts.OTP = "123456"
	}
	return &Server{
		opts:     opts,
		Registry: NewRegistry(),
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow),
		log:      log.With().Str("module", "signalsim").Logger(),
		patients: make(map[domain.PatientID]*peer),
		doctors:  make(map[string]*peer),
		calls:    make(map[string]*call),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

func (s *Server) HandlePatientWS(ctx context.Context, c *gin.Context) {
	patient, ok := s.Registry.PatientByToken(bearer(c))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid or expired token"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	p := &peer{id: string(patient.ID), name: patient.Name, role: rolePatient, conn: newWSConn(ws)}

	s.mu.Lock()
	if old, ok := s.patients[patient.ID]; ok {
		s.log.Info().Str("patient", p.id).Msg("replacing previous patient connection")
		s.dropPatientLocked(old)
		old.conn.Close()
	}
	s.patients[patient.ID] = p
	s.mu.Unlock()
	s.log.Info().Str("patient", p.id).Msg("patient connected")

	ctx, cancel := context.WithCancel(ctx)
	go p.conn.writePump(ctx, s.opts.PingPeriod)
	go func() {
		defer cancel()
		p.conn.readPump(ctx, func(event string, data json.RawMessage) { s.onPatient(p, event, data) })
		s.mu.Lock()
		if s.patients[patient.ID] == p {
			s.dropPatientLocked(p)
			delete(s.patients, patient.ID)
		}
		s.mu.Unlock()
		s.log.Info().Str("patient", p.id).Msg("patient disconnected")
	}()
}

func (s *Server) HandleDoctorWS(ctx context.Context, c *gin.Context) {
	name := c.DefaultQuery("name", "Dr. On Call")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	d := &peer{
		id:    uuid.NewString(),
		name:  name,
		creds: c.Query("credentials"),
		role:  roleDoctor,
		conn:  newWSConn(ws),
	}
	s.mu.Lock()
	s.doctors[d.id] = d
	s.mu.Unlock()
	s.log.Info().Str("doctor", d.id).Str("name", name).Msg("doctor connected")
	d.emit("whoami", gin.H{"id": d.id, "name": d.name})

	ctx, cancel := context.WithCancel(ctx)
	go d.conn.writePump(ctx, s.opts.PingPeriod)
	go func() {
		defer cancel()
		d.conn.readPump(ctx, func(event string, data json.RawMessage) { s.onDoctor(d, event, data) })
		s.mu.Lock()
		s.dropDoctorLocked(d)
		delete(s.doctors, d.id)
		s.mu.Unlock()
		s.log.Info().Str("doctor", d.id).Msg("doctor disconnected")
	}()
}

// Expire revokes token and pushes token_expired to the patient holding it.
func (s *Server) Expire(token string) bool {
	id, ok := s.Registry.Revoke(token)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patients[id]; ok {
		s.dropPatientLocked(p)
		delete(s.patients, id)
		p.emit("token_expired", gin.H{"message": "session expired"})
		p.conn.Close()
	}
	return true
}

type State struct {
	Patients int `json:"patients"`
	Doctors  int `json:"doctors"`
	Calls    int `json:"calls"`
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Patients: len(s.patients), Doctors: len(s.doctors), Calls: len(s.calls)}
}
