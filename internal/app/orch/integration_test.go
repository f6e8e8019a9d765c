package orch_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/adapters/engine"
	sig "github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/api/patient"
	"github.com/dkeye/Consult/internal/app/call"
	"github.com/dkeye/Consult/internal/app/conference"
	"github.com/dkeye/Consult/internal/app/conn"
	"github.com/dkeye/Consult/internal/app/credential"
	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/signalsim"
	"github.com/dkeye/Consult/internal/storage/boltkv"
)

// stack runs the whole client against an in-process simulator.
type stack struct {
	o   *orch.Orchestrator
	sim *signalsim.Server
	kv  *boltkv.Store
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sim := signalsim.NewServer(signalsim.Options{
		AutoAccept: 20 * time.Millisecond,
		JitsiURL:   "https://meet.example.com",
	})
	hs := httptest.NewServer(signalsim.SetupRouter(ctx, "test", sim))
	t.Cleanup(hs.Close)

	kv, err := boltkv.Open(filepath.Join(t.TempDir(), "consult.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	clock := core.RealClock{}
	dialer := sig.NewDialer(sig.Options{URL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/patient"})
	cm := conn.NewManager(dialer, clock, conn.Options{RetryDelay: 50 * time.Millisecond})
	adapter := conference.NewAdapter(engine.NewHeadless(engine.Options{JoinDelay: 10 * time.Millisecond}), conference.Options{})
	machine := call.NewMachine(cm, adapter, clock, call.Options{RingTimeout: 5 * time.Second})
	o := orch.New(credential.NewStore(kv), cm, machine, patient.NewClient(hs.URL+"/api", 5*time.Second))
	t.Cleanup(o.Close)
	return &stack{o: o, sim: sim, kv: kv}
}

func (s *stack) waitCall(t *testing.T, want domain.CallState) domain.CallSnapshot {
	t.Helper()
	require.Eventually(t, func() bool { return s.o.Calls.Current().State == want }, 3*time.Second, 5*time.Millisecond,
		"call never reached %s", want)
	return s.o.Calls.Current()
}

func TestEndToEndConsultation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.o.RequestOTP(ctx, "+1 555 0100"))
	_, err := s.o.Login(ctx, "+1 555 0100", "000000")
	require.ErrorIs(t, err, patient.ErrInvalidOTP)

	c, err := s.o.Login(ctx, "+1 555 0100", "123456")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", c.Phone)
	require.Eventually(t, func() bool { return s.o.Conn.State() == conn.StateConnected }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, s.o.StartCall(domain.CallAudio))
	snap := s.waitCall(t, domain.CallActive)
	require.NotNil(t, snap.Peer)
	assert.Equal(t, "Dr. Auto", snap.Peer.Name)
	assert.True(t, strings.HasPrefix(snap.Room, "https://meet.example.com/consult-"), snap.Room)
	assert.True(t, snap.VideoMuted, "audio calls start with video muted")

	require.NoError(t, s.o.SetMuted(domain.TrackAudio, true))
	require.Eventually(t, func() bool { return s.o.Calls.Current().AudioMuted }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.o.EndCall())
	s.waitCall(t, domain.CallEnded)
	require.Eventually(t, func() bool { return s.sim.State().Calls == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.o.ResetCall())
	assert.Equal(t, domain.CallIdle, s.o.Calls.Current().State)
}

func TestServerExpiryForcesSignOut(t *testing.T) {
	s := newStack(t)
	c, err := s.o.Login(context.Background(), "+15550100", "123456")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.o.Conn.State() == conn.StateConnected }, 3*time.Second, 5*time.Millisecond)

	require.True(t, s.sim.Expire(c.Token))

	require.Eventually(t, func() bool { return !s.o.Session().Authenticated }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, conn.StateDisconnected, s.o.Conn.State())
	_, err = s.kv.Get(credential.KeyToken)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
