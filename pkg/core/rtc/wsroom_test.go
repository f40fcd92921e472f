package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerag/voicerag-go/pkg/core"
)

var testUpgrader = websocket.Upgrader{}

// roomServer is a scripted room endpoint. The script runs once per accepted
// connection with the decoded hello already consumed.
type roomServer struct {
	*httptest.Server
	conns atomic.Int32
}

func newRoomServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn, hello ClientHello, connNum int)) *roomServer {
	t.Helper()
	rs := &roomServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var hello ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if hello.Type != "hello" || hello.ProtocolVersion != ProtocolVersion1 {
			t.Errorf("bad hello: %+v", hello)
			return
		}
		script(t, conn, hello, int(rs.conns.Add(1)))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func sendJoined(t *testing.T, conn *websocket.Conn, joined ServerJoined) {
	t.Helper()
	joined.Type = "joined"
	if err := conn.WriteJSON(joined); err != nil {
		t.Errorf("send joined: %v", err)
	}
}

// holdOpen blocks until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, room *WSRoom) Event {
	t.Helper()
	select {
	case ev, ok := <-room.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room event")
	}
	return nil
}

// waitForEvent drains events until one of the wanted type arrives.
func waitForEvent[T Event](t *testing.T, room *WSRoom) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-room.Events():
			if !ok {
				t.Fatalf("event channel closed waiting for %T", *new(T))
			}
			if want, isWant := ev.(T); isWant {
				return want
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

func TestDial_HandshakeAndSnapshot(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, hello ClientHello, _ int) {
		if hello.Token != "tok-1" {
			t.Errorf("token = %q", hello.Token)
		}
		sendJoined(t, conn, ServerJoined{
			SessionID:  "sess-1",
			Room:       "demo",
			MicEnabled: false,
			Participants: []WireParticipant{
				{Identity: "agent-1", Kind: "agent", AudioTrackID: "trk-1", Attributes: map[string]string{"lk.agent.state": "listening"}},
				{Identity: "peer-2"},
			},
		})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok-1", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	ev := nextEvent(t, room)
	joined, ok := ev.(JoinedEvent)
	if !ok {
		t.Fatalf("first event = %T, want JoinedEvent", ev)
	}
	if joined.SessionID != "sess-1" || joined.Room != "demo" {
		t.Errorf("joined = %+v", joined)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(joined.Participants))
	}

	var agent RemoteParticipant
	for _, p := range room.RemoteParticipants() {
		if p.Info.Identity == "agent-1" {
			agent = p
		}
	}
	if agent.Info.Kind != KindAgent {
		t.Errorf("agent kind = %s", agent.Info.Kind)
	}
	if agent.Audio == nil || agent.Audio.ID() != "trk-1" {
		t.Error("agent producer not materialized from snapshot")
	}
	if agent.Info.Attributes["lk.agent.state"] != "listening" {
		t.Error("attributes not carried through snapshot")
	}
	if room.Microphone().Enabled() {
		t.Error("microphone should mirror the joined ack")
	}
	if room.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q", room.SessionID())
	}
}

func TestDial_ServerRejection(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		_ = conn.WriteJSON(ServerError{Type: "error", Code: "room_full", Message: "no capacity"})
	})

	_, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	typ, ok := core.TypeOf(err)
	if !ok || typ != core.ErrJoin {
		t.Fatalf("err = %v, want join_error", err)
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != "room_full" {
		t.Fatalf("err = %v, want code room_full", err)
	}
}

func TestDial_EmptyToken(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://localhost:1", "  ", DialOptions{}); err == nil {
		t.Fatal("expected error for blank credential")
	}
}

func TestDataFrames_DecodedAndEmitted(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		_ = conn.WriteJSON(ServerData{
			Type:    "data",
			Topic:   "transcript",
			Sender:  "agent-1",
			DataB64: base64.StdEncoding.EncodeToString([]byte("USER:hello")),
		})
		// Bad encoding is dropped without killing the stream.
		_ = conn.WriteJSON(ServerData{Type: "data", Topic: "transcript", DataB64: "%%%"})
		_ = conn.WriteJSON(ServerData{
			Type:    "data",
			Topic:   "rag_sources",
			DataB64: base64.StdEncoding.EncodeToString([]byte(`{"sources":["a.pdf"]}`)),
		})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	first := waitForEvent[DataEvent](t, room)
	if first.Topic != "transcript" || string(first.Payload) != "USER:hello" || first.Sender != "agent-1" {
		t.Errorf("data event = %+v", first)
	}
	second := waitForEvent[DataEvent](t, room)
	if second.Topic != "rag_sources" || string(second.Payload) != `{"sources":["a.pdf"]}` {
		t.Errorf("data event = %+v", second)
	}
}

func TestAudioChunks_PairedWithHeader(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		_ = conn.WriteJSON(ServerTrackSubscribed{Type: "track_subscribed", Identity: "agent-1", TrackID: "trk-1"})
		// Orphan binary frame with no preceding header must be dropped.
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9})
		_ = conn.WriteJSON(ServerAudioChunkHeader{Type: "audio_chunk_header", TrackID: "trk-1", Seq: 1})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	sub := waitForEvent[TrackSubscribedEvent](t, room)
	if sub.Identity != "agent-1" || sub.Track.ID() != "trk-1" {
		t.Fatalf("subscribe event = %+v", sub)
	}

	select {
	case pcm := <-sub.Track.PCM():
		if len(pcm) != 4 || pcm[0] != 1 {
			t.Errorf("pcm = %v", pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pcm routed to the track")
	}
}

func TestTrackUnsubscribed_ClosesProducer(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		_ = conn.WriteJSON(ServerTrackSubscribed{Type: "track_subscribed", Identity: "agent-1", TrackID: "trk-1"})
		_ = conn.WriteJSON(ServerTrackUnsubscribed{Type: "track_unsubscribed", Identity: "agent-1", TrackID: "trk-1"})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	sub := waitForEvent[TrackSubscribedEvent](t, room)
	waitForEvent[TrackUnsubscribedEvent](t, room)

	select {
	case <-sub.Track.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer not closed on unsubscribe")
	}
}

func TestMicToggle_SentOnWire(t *testing.T) {
	micFrames := make(chan ClientMic, 2)
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame ClientMic
			if json.Unmarshal(data, &frame) == nil && frame.Type == "mic" {
				micFrames <- frame
			}
		}
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	if err := room.Microphone().SetEnabled(true); err != nil {
		t.Fatal(err)
	}
	if !room.Microphone().Enabled() {
		t.Error("mirror flag not set")
	}

	select {
	case frame := <-micFrames:
		if !frame.Enabled {
			t.Errorf("mic frame = %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mic frame never reached the server")
	}
}

func TestClose_CleanShutdown(t *testing.T) {
	leaves := make(chan struct{}, 1)
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var envelope struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &envelope) == nil && envelope.Type == "leave" {
				leaves <- struct{}{}
			}
		}
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, room) // joined

	if err := room.Close(); err != nil {
		t.Fatal(err)
	}
	if err := room.Close(); err != nil {
		t.Fatal("second close must be a no-op, got", err)
	}

	select {
	case <-leaves:
	case <-time.After(2 * time.Second):
		t.Fatal("leave frame never reached the server")
	}

	closed := waitForEvent[ClosedEvent](t, room)
	if closed.Err != nil {
		t.Errorf("clean close carried error %v", closed.Err)
	}
	if _, ok := <-room.Events(); ok {
		t.Error("event channel should be closed after the terminal event")
	}
}

func TestResume_AfterTransportDrop(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, hello ClientHello, connNum int) {
		switch connNum {
		case 1:
			if hello.ResumeSessionID != "" {
				t.Errorf("first connection carried resume id %q", hello.ResumeSessionID)
			}
			sendJoined(t, conn, ServerJoined{SessionID: "sess-1", Participants: []WireParticipant{
				{Identity: "agent-1", Kind: "agent", AudioTrackID: "trk-1"},
			}})
			// Drop the transport without a close frame.
			_ = conn.Close()
		default:
			if hello.ResumeSessionID != "sess-1" {
				t.Errorf("resume id = %q, want sess-1", hello.ResumeSessionID)
			}
			sendJoined(t, conn, ServerJoined{SessionID: "sess-1", Participants: []WireParticipant{
				{Identity: "agent-1", Kind: "agent", AudioTrackID: "trk-2"},
			}})
			holdOpen(conn)
		}
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{
		ReconnectAttempts: 3,
		ReconnectBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	nextEvent(t, room) // joined
	waitForEvent[ReconnectingEvent](t, room)
	rec := waitForEvent[ReconnectedEvent](t, room)

	if len(rec.Participants) != 1 || rec.Participants[0].Audio == nil || rec.Participants[0].Audio.ID() != "trk-2" {
		t.Fatalf("refreshed snapshot = %+v", rec.Participants)
	}
}

func TestClose_DuringResumeDoesNotHang(t *testing.T) {
	resumeArrived := make(chan struct{})
	releaseResume := make(chan struct{})
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, connNum int) {
		switch connNum {
		case 1:
			sendJoined(t, conn, ServerJoined{SessionID: "sess-1"})
			// Drop the transport without a close frame.
			_ = conn.Close()
		case 2:
			close(resumeArrived)
			// Complete the resume handshake only once the local close is
			// already in flight.
			<-releaseResume
			sendJoined(t, conn, ServerJoined{SessionID: "sess-1"})
			holdOpen(conn)
		default:
			t.Errorf("unexpected connection %d after the room was closed", connNum)
		}
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{
		ReconnectAttempts: 3,
		ReconnectBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, room) // joined

	select {
	case <-resumeArrived:
	case <-time.After(2 * time.Second):
		t.Fatal("resume dial never reached the server")
	}

	closeDone := make(chan struct{})
	go func() {
		room.Close()
		close(closeDone)
	}()
	// Give Close a moment to mark the room before the stalled handshake is
	// allowed to complete.
	time.Sleep(20 * time.Millisecond)
	close(releaseResume)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung while a resume was in flight")
	}

	closed := waitForEvent[ClosedEvent](t, room)
	if closed.Err != nil {
		t.Errorf("local close carried error %v", closed.Err)
	}
}

func TestParticipantReannounce_KeepsLiveProducer(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		_ = conn.WriteJSON(ServerTrackSubscribed{Type: "track_subscribed", Identity: "agent-1", TrackID: "trk-1"})
		// The server may re-announce a participant it already reported.
		_ = conn.WriteJSON(ServerParticipantJoined{Type: "participant_joined", Participant: WireParticipant{Identity: "agent-1", Kind: "agent"}})
		_ = conn.WriteJSON(ServerAudioChunkHeader{Type: "audio_chunk_header", TrackID: "trk-1", Seq: 1})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer room.Close()

	sub := waitForEvent[TrackSubscribedEvent](t, room)
	waitForEvent[ParticipantJoinedEvent](t, room)

	select {
	case <-sub.Track.Done():
		t.Fatal("re-announce closed the live producer")
	default:
	}
	select {
	case pcm := <-sub.Track.PCM():
		if len(pcm) != 2 || pcm[0] != 5 {
			t.Errorf("pcm = %v", pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio no longer routed after the re-announce")
	}
}

func TestClose_NeverAdvertisesReconnect(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{
		ReconnectAttempts: 3,
		ReconnectBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, room) // joined

	if err := room.Close(); err != nil {
		t.Fatal(err)
	}

	for ev := range room.Events() {
		if rec, ok := ev.(ReconnectingEvent); ok {
			t.Fatalf("local close advertised reconnect attempt %d", rec.Attempt)
		}
	}
}

func TestResume_BudgetExhaustedIsTerminal(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "sess-1"})
		_ = conn.Close()
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{
		ReconnectAttempts: 2,
		ReconnectBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, room) // joined
	server.CloseClientConnections()
	server.Close()

	closed := waitForEvent[ClosedEvent](t, room)
	typ, ok := core.TypeOf(closed.Err)
	if !ok || typ != core.ErrTransportClosed {
		t.Fatalf("terminal event err = %v, want transport_closed_error", closed.Err)
	}
	room.Close()
}

func TestServerBye_IsCleanClose(t *testing.T) {
	server := newRoomServer(t, func(t *testing.T, conn *websocket.Conn, _ ClientHello, _ int) {
		sendJoined(t, conn, ServerJoined{SessionID: "s"})
		_ = conn.WriteJSON(ServerBye{Type: "bye", Reason: "room ended"})
		holdOpen(conn)
	})

	room, err := Dial(context.Background(), server.URL, "tok", DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, room) // joined

	closed := waitForEvent[ClosedEvent](t, room)
	if closed.Err != nil {
		t.Errorf("bye should close cleanly, got %v", closed.Err)
	}
	room.Close()
}
