package voicerag

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicerag/voicerag-go/pkg/core"
	"github.com/voicerag/voicerag-go/pkg/core/rtc"
	"github.com/voicerag/voicerag-go/pkg/core/session"
)

type stubMic struct {
	mu      sync.Mutex
	enabled bool
}

func (m *stubMic) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	return nil
}

func (m *stubMic) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *stubMic) Muted() bool { return false }

type stubRoom struct {
	events    chan rtc.Event
	mic       *stubMic
	closeOnce sync.Once
}

func newStubRoom() *stubRoom {
	return &stubRoom{events: make(chan rtc.Event, 16), mic: &stubMic{}}
}

func (r *stubRoom) Events() <-chan rtc.Event                    { return r.events }
func (r *stubRoom) Microphone() rtc.Microphone                  { return r.mic }
func (r *stubRoom) RemoteParticipants() []rtc.RemoteParticipant { return nil }

func (r *stubRoom) Close() error {
	r.closeOnce.Do(func() {
		r.events <- rtc.ClosedEvent{}
		close(r.events)
	})
	return nil
}

type discardOutput struct{}

func (discardOutput) Create(track rtc.Track) (any, error) { return track.ID(), nil }
func (discardOutput) Destroy(h any)                       {}
func (discardOutput) IsPlaying(h any) bool                { return true }
func (discardOutput) Resume() error                       { return nil }

func stubDialer(room *stubRoom) session.Dialer {
	return func(context.Context, string, string) (rtc.Room, error) {
		room.events <- rtc.JoinedEvent{Room: "r", SessionID: "s"}
		return room, nil
	}
}

func waitConnected(t *testing.T, call *Call) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if call.View().Connected {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("call never connected")
}

func TestCallsJoin_SecondJoinReturnsLiveCall(t *testing.T) {
	client := NewClient()
	room := newStubRoom()
	req := JoinRequest{
		Credential: "tok",
		Endpoint:   "wss://rooms.example",
		Output:     discardOutput{},
		Dialer:     stubDialer(room),
	}

	first, err := client.Calls.Join(context.Background(), req)
	require.NoError(t, err)
	waitConnected(t, first)

	second, err := client.Calls.Join(context.Background(), req)
	require.NoError(t, err)
	require.Same(t, first, second, "a join during a live call returns that call")
	require.Same(t, first, client.Calls.Live())

	first.EndCall()
	<-first.Done()
	require.Nil(t, client.Calls.Live(), "ended call must release the live slot")

	// Re-joinable after the call ended.
	room2 := newStubRoom()
	req.Dialer = stubDialer(room2)
	third, err := client.Calls.Join(context.Background(), req)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	third.EndCall()
}

func TestCallsJoin_Validation(t *testing.T) {
	client := NewClient()

	_, err := client.Calls.Join(context.Background(), JoinRequest{Endpoint: "wss://x", Output: discardOutput{}})
	typ, ok := core.TypeOf(err)
	require.True(t, ok)
	require.Equal(t, core.ErrInvalidRequest, typ)

	_, err = client.Calls.Join(context.Background(), JoinRequest{Credential: "tok", Output: discardOutput{}})
	typ, ok = core.TypeOf(err)
	require.True(t, ok)
	require.Equal(t, core.ErrInvalidRequest, typ)

	_, err = client.Calls.Join(context.Background(), JoinRequest{Credential: "tok", Endpoint: "wss://x"})
	typ, ok = core.TypeOf(err)
	require.True(t, ok)
	require.Equal(t, core.ErrInvalidRequest, typ)
}

func TestCallsJoin_DialFailureSurfacesAndReleases(t *testing.T) {
	var closeErr error
	var closes atomic.Int32
	client := NewClient()

	call, err := client.Calls.Join(context.Background(), JoinRequest{
		Credential: "tok",
		Endpoint:   "wss://rooms.example",
		Output:     discardOutput{},
		Dialer: func(context.Context, string, string) (rtc.Room, error) {
			return nil, fmt.Errorf("room unreachable")
		},
		OnClose: func(err error) {
			closeErr = err
			closes.Add(1)
		},
	})
	require.NoError(t, err, "join failures surface asynchronously")
	<-call.Done()

	typ, ok := core.TypeOf(call.Err())
	require.True(t, ok)
	require.Equal(t, core.ErrJoin, typ)
	require.Equal(t, int32(1), closes.Load())
	require.Error(t, closeErr)
	require.Nil(t, client.Calls.Live(), "failed call must release the live slot")
}

func TestCall_MicAndView(t *testing.T) {
	client := NewClient()
	room := newStubRoom()
	call, err := client.Calls.Join(context.Background(), JoinRequest{
		Credential: "tok",
		Endpoint:   "wss://rooms.example",
		Output:     discardOutput{},
		Dialer:     stubDialer(room),
	})
	require.NoError(t, err)
	waitConnected(t, call)

	require.NoError(t, call.EnableMic())
	require.True(t, call.View().MicEnabled)
	call.DisableMic()
	require.False(t, call.View().MicEnabled)

	view := call.View()
	require.Equal(t, "CONNECTED", view.State)
	require.True(t, view.Connected)
	require.Empty(t, view.Err)

	call.EndCall()
	call.EndCall() // idempotent
	<-call.Done()
	require.Equal(t, "DISCONNECTED", call.View().State)
}
