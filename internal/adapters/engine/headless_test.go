package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type listener struct {
	ch chan string
}

func newListener() *listener { return &listener{ch: make(chan string, 16)} }

func (l *listener) OnConferenceWillJoin()                { l.ch <- "will_join" }
func (l *listener) OnConferenceJoined()                  { l.ch <- "joined" }
func (l *listener) OnConferenceTerminated(reason string) { l.ch <- "terminated:" + reason }
func (l *listener) OnError(err error)                    { l.ch <- "error" }
func (l *listener) OnMuteStatusChanged(track domain.Track, muted bool) {
	if muted {
		l.ch <- string(track) + ":on"
	} else {
		l.ch <- string(track) + ":off"
	}
}

func (l *listener) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no engine event")
		return ""
	}
}

func TestJoinMuteAndClose(t *testing.T) {
	l := newListener()
	s, err := NewHeadless(Options{}).Join("room-42", core.EngineConfig{}, nil, core.EngineUser{}, l)
	require.NoError(t, err)

	assert.Equal(t, "will_join", l.next(t))
	assert.Equal(t, "joined", l.next(t))

	require.NoError(t, s.SetAudioMuted(true))
	assert.Equal(t, "audio:on", l.next(t))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, "terminated:"+ReasonClosed, l.next(t))
	assert.Error(t, s.SetVideoMuted(true))

	select {
	case ev := <-l.ch:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseWhileJoining(t *testing.T) {
	l := newListener()
	s, err := NewHeadless(Options{JoinDelay: time.Hour}).Join("room-42", core.EngineConfig{}, nil, core.EngineUser{}, l)
	require.NoError(t, err)
	assert.Equal(t, "will_join", l.next(t))

	require.NoError(t, s.Close())
	assert.Equal(t, "terminated:"+ReasonClosed, l.next(t), "never joined")
}

func TestJoinRequiresRoom(t *testing.T) {
	_, err := NewHeadless(Options{}).Join("", core.EngineConfig{}, nil, core.EngineUser{}, newListener())
	assert.ErrorIs(t, err, ErrNoRoom)
}
