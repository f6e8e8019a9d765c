package signalsim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sim struct {
	srv *Server
	url string
}

func newSim(t *testing.T, opts Options) *sim {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer(opts)
	hs := httptest.NewServer(SetupRouter(ctx, "test", s))
	t.Cleanup(hs.Close)
	return &sim{srv: s, url: hs.URL}
}

func (s *sim) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(s.url+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *sim) login(t *testing.T, phone string) string {
	t.Helper()
	resp, body := s.post(t, "/api/patient/login", `{"phone":"`+phone+`","otp":"123456"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["token"].(string)
}

func (s *sim) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+path, header)
	if ws != nil {
		t.Cleanup(func() { _ = ws.Close() })
	}
	return ws, resp, err
}

func (s *sim) patient(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := s.dial(t, "/ws/patient", http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.srv.State().Patients > 0 }, time.Second, 5*time.Millisecond)
	return ws
}

func (s *sim) doctor(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	ws, _, err := s.dial(t, "/ws/doctor?name="+name, nil)
	require.NoError(t, err)
	assert.Equal(t, "whoami", read(t, ws).Type)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event, data string) {
	t.Helper()
	env := envelope{Type: event}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	require.NoError(t, ws.WriteJSON(env))
}

func read(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func field(t *testing.T, env envelope, key string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &m))
	v, _ := m[key].(string)
	return v
}

func TestLogin(t *testing.T) {
	s := newSim(t, Options{})

	resp, _ := s.post(t, "/api/otp/send", `{"phone":"+1 555 0100"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := s.post(t, "/api/otp/send", `{"phone":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["message"])

	resp, body = s.post(t, "/api/patient/login", `{"phone":"+15550100","otp":"000000"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid OTP", body["message"])

	first := s.login(t, "+15550100")
	second := s.login(t, "+1 555 0100")
	assert.NotEqual(t, first, second)
	p1, _ := s.srv.Registry.PatientByToken(first)
	p2, _ := s.srv.Registry.PatientByToken(second)
	assert.Equal(t, p1.ID, p2.ID, "same phone is the same patient")
}

func TestPatientSocketRequiresToken(t *testing.T) {
	s := newSim(t, Options{})
	_, resp, err := s.dial(t, "/ws/patient", http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallDispatch(t *testing.T) {
	s := newSim(t, Options{JitsiURL: "https://meet.example.com"})
	doc := s.doctor(t, "Dr.%20A")
	other := s.doctor(t, "Dr.%20B")
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", `{"requestId":"r1"}`)
	initiated := read(t, pat)
	require.Equal(t, "call:initiated", initiated.Type)
	assert.Equal(t, "r1", field(t, initiated, "requestId"))
	assert.True(t, strings.HasPrefix(field(t, initiated, "jitsiRoom"), "https://meet.example.com/consult-"))
	callID := field(t, initiated, "callId")

	incoming := read(t, doc)
	require.Equal(t, "call:incoming", incoming.Type)
	assert.Equal(t, callID, field(t, incoming, "callId"))
	assert.Equal(t, "call:incoming", read(t, other).Type)

	send(t, doc, "call:accept", `{"callId":"`+callID+`"}`)
	accepted := read(t, pat)
	require.Equal(t, "call:accepted", accepted.Type)
	assert.Equal(t, "Dr. A", field(t, accepted, "name"))
	assert.Equal(t, "call:started", read(t, doc).Type)
	assert.Equal(t, "call:taken", read(t, other).Type)

	require.NoError(t, doc.Close())
	gone := read(t, pat)
	assert.Equal(t, "doctor:disconnected", gone.Type)
	assert.Equal(t, callID, field(t, gone, "callId"))
	assert.Eventually(t, func() bool { return s.srv.State().Calls == 0 }, time.Second, 5*time.Millisecond)
}

func TestNoDoctorsOnline(t *testing.T) {
	s := newSim(t, Options{})
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", `{"requestId":"r1"}`)
	failed := read(t, pat)
	assert.Equal(t, "call:failed", failed.Type)
	assert.Equal(t, MsgNoDoctors, field(t, failed, "message"))
}

func TestAllDoctorsDecline(t *testing.T) {
	s := newSim(t, Options{})
	doc := s.doctor(t, "Dr.%20A")
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", "")
	callID := field(t, read(t, pat), "callId")
	read(t, doc)
	send(t, doc, "call:reject", `{"callId":"`+callID+`"}`)

	failed := read(t, pat)
	assert.Equal(t, "call:failed", failed.Type)
	assert.Equal(t, MsgDeclined, field(t, failed, "message"))
}

func TestPatientEndCancelsRinging(t *testing.T) {
	s := newSim(t, Options{})
	doc := s.doctor(t, "Dr.%20A")
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", "")
	callID := field(t, read(t, pat), "callId")
	read(t, doc)
	send(t, pat, "call:end", "")

	cancelled := read(t, doc)
	assert.Equal(t, "call:cancelled", cancelled.Type)
	assert.Equal(t, callID, field(t, cancelled, "callId"))
}

func TestAutoAccept(t *testing.T) {
	s := newSim(t, Options{AutoAccept: 10 * time.Millisecond})
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", `{"requestId":"r1"}`)
	assert.Equal(t, "call:initiated", read(t, pat).Type)
	accepted := read(t, pat)
	assert.Equal(t, "call:accepted", accepted.Type)
	assert.Equal(t, "Dr. Auto", field(t, accepted, "name"))
	assert.Equal(t, "r1", field(t, accepted, "requestId"))
}

func TestInitiateIsRateLimited(t *testing.T) {
	s := newSim(t, Options{RateLimit: 1, RateWindow: time.Minute})
	pat := s.patient(t, s.login(t, "+15550100"))

	send(t, pat, "call:initiate", "")
	assert.Equal(t, MsgNoDoctors, field(t, read(t, pat), "message"))
	send(t, pat, "call:initiate", "")
	assert.Equal(t, MsgRateLimited, field(t, read(t, pat), "message"))
}

func TestExpireToken(t *testing.T) {
	s := newSim(t, Options{})
	token := s.login(t, "+15550100")
	pat := s.patient(t, token)

	resp, _ := s.post(t, "/admin/expire/"+token, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "token_expired", read(t, pat).Type)

	_, _, err := pat.ReadMessage()
	assert.Error(t, err, "server closes the socket")

	_, resp, err = s.dial(t, "/ws/patient", http.Header{"Authorization": {"Bearer " + token}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post(t, "/admin/expire/"+token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("p1"))
	assert.True(t, rl.Allow("p1"))
	assert.False(t, rl.Allow("p1"))
	assert.True(t, rl.Allow("p2"), "limits are per key")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("p1"))
}
