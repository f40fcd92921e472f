package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerag/voicerag-go/pkg/core"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectBackoff  = 500 * time.Millisecond

	trackChunkBuffer = 64
	eventBuffer      = 256
)

// DialOptions configures a WebSocket room connection.
type DialOptions struct {
	// ConnectTimeout bounds the dial + join handshake. Default 15s.
	ConnectTimeout time.Duration

	// ReconnectAttempts is the resume budget after a transport interruption.
	// Once exhausted the room emits a terminal ClosedEvent. Default 5.
	ReconnectAttempts int

	// ReconnectBackoff is the base delay between resume attempts; the delay
	// grows linearly with the attempt number. Default 500ms.
	ReconnectBackoff time.Duration

	// ClientName is reported in the hello frame.
	ClientName string

	Logger *slog.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = defaultReconnectBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// WSRoom is the WebSocket implementation of Room.
type WSRoom struct {
	endpoint string
	token    string
	opts     DialOptions
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	leaving   atomic.Bool

	mu           sync.Mutex
	sessionID    string
	roomName     string
	participants map[string]*wsParticipant

	mic      *wsMicrophone
	audioSeq atomic.Int64
}

type wsParticipant struct {
	info  ParticipantInfo
	track *wsTrack
}

type wsTrack struct {
	id   string
	pcm  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSTrack(id string) *wsTrack {
	return &wsTrack{
		id:   id,
		pcm:  make(chan []byte, trackChunkBuffer),
		done: make(chan struct{}),
	}
}

func (t *wsTrack) ID() string            { return t.id }
func (t *wsTrack) PCM() <-chan []byte    { return t.pcm }
func (t *wsTrack) Done() <-chan struct{} { return t.done }

func (t *wsTrack) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *wsTrack) push(data []byte) {
	select {
	case <-t.done:
	case t.pcm <- data:
	default:
		// Drop rather than stall the read loop on a slow sink.
	}
}

// Dial connects to a room endpoint with a join credential and performs the
// hello/joined handshake. The returned room is live; its JoinedEvent is the
// first event on Events().
func Dial(ctx context.Context, endpoint, token string, opts DialOptions) (*WSRoom, error) {
	opts = opts.withDefaults()
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, core.NewInvalidRequestError("join credential must not be empty")
	}
	wsURL, err := WebSocketEndpoint(endpoint)
	if err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}

	r := &WSRoom{
		endpoint:     wsURL,
		token:        token,
		opts:         opts,
		logger:       opts.Logger,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
		participants: make(map[string]*wsParticipant),
	}
	r.mic = &wsMicrophone{room: r}

	conn, joined, err := r.dialAndJoin(ctx, "")
	if err != nil {
		return nil, err
	}
	r.conn = conn

	snapshot := r.applyJoined(joined)
	r.emit(JoinedEvent{Room: joined.Room, SessionID: joined.SessionID, Participants: snapshot})

	go r.readLoop()
	return r, nil
}

// dialAndJoin opens a socket, sends the hello and waits for the joined ack.
func (r *WSRoom) dialAndJoin(ctx context.Context, resumeID string) (*websocket.Conn, ServerJoined, error) {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+r.token)

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, r.opts.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, r.endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("room dial failed (status %d): %v", resp.StatusCode, err))
		}
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("room dial failed: %v", err))
	}

	hello := ClientHello{
		Type:            "hello",
		ProtocolVersion: ProtocolVersion1,
		Token:           r.token,
		ResumeSessionID: resumeID,
		Client:          HelloClient{Name: r.opts.ClientName, Version: ProtocolVersion1},
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("send hello: %v", err))
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.opts.ConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("read joined ack: %v", err))
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("unexpected first room frame type %d", messageType))
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		_ = conn.Close()
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("decode joined ack: %v", err))
	}
	switch envelope.Type {
	case "joined":
		var joined ServerJoined
		if err := json.Unmarshal(payload, &joined); err != nil {
			_ = conn.Close()
			return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("decode joined ack: %v", err))
		}
		return conn, joined, nil
	case "error":
		var serverErr ServerError
		_ = json.Unmarshal(payload, &serverErr)
		_ = conn.Close()
		return nil, ServerJoined{}, &core.Error{
			Type:    core.ErrJoin,
			Message: strings.TrimSpace(serverErr.Message),
			Code:    strings.TrimSpace(serverErr.Code),
		}
	default:
		_ = conn.Close()
		return nil, ServerJoined{}, core.NewJoinError(fmt.Sprintf("unexpected first room frame %q", envelope.Type))
	}
}

// applyJoined replaces the participant snapshot from a joined ack. Stale
// producers from before an interruption are closed first.
func (r *WSRoom) applyJoined(joined ServerJoined) []RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.participants {
		if p.track != nil {
			p.track.Close()
		}
	}
	r.participants = make(map[string]*wsParticipant, len(joined.Participants))
	for _, wp := range joined.Participants {
		identity := strings.TrimSpace(wp.Identity)
		if identity == "" {
			continue
		}
		p := &wsParticipant{info: participantInfoFromWire(wp)}
		if wp.AudioTrackID != "" {
			p.track = newWSTrack(wp.AudioTrackID)
		}
		r.participants[identity] = p
	}
	r.sessionID = joined.SessionID
	r.roomName = joined.Room

	r.mic.enabled.Store(joined.MicEnabled)
	r.mic.muted.Store(joined.MicMuted)

	return r.remoteParticipantsLocked()
}

func participantInfoFromWire(wp WireParticipant) ParticipantInfo {
	attrs := make(map[string]string, len(wp.Attributes))
	for k, v := range wp.Attributes {
		attrs[k] = v
	}
	return ParticipantInfo{
		Identity:   wp.Identity,
		Kind:       ParseParticipantKind(wp.Kind),
		Attributes: attrs,
	}
}

// Events yields room events. The channel is closed after the terminal
// ClosedEvent.
func (r *WSRoom) Events() <-chan Event {
	if r == nil {
		return nil
	}
	return r.events
}

// Microphone returns the local publish handle.
func (r *WSRoom) Microphone() Microphone {
	return r.mic
}

// RemoteParticipants returns a snapshot of the current remote participants.
func (r *WSRoom) RemoteParticipants() []RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteParticipantsLocked()
}

func (r *WSRoom) remoteParticipantsLocked() []RemoteParticipant {
	out := make([]RemoteParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		rp := RemoteParticipant{Info: p.info}
		if p.track != nil {
			rp.Audio = p.track
		}
		out = append(out, rp)
	}
	return out
}

// SessionID returns the transport session identifier used for resume.
func (r *WSRoom) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// SendAudioFrame publishes one frame of local microphone PCM.
func (r *WSRoom) SendAudioFrame(pcm []byte) error {
	if r.closed.Load() {
		return fmt.Errorf("room is closed")
	}
	header := ClientAudioFrameHeader{Type: "audio_frame", Seq: r.audioSeq.Add(1)}

	// Header and binary payload are paired; hold the write lock across both.
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn := r.currentConn()
	if conn == nil {
		return fmt.Errorf("room is closed")
	}
	if err := conn.WriteJSON(header); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (r *WSRoom) sendJSON(v any) error {
	if r.closed.Load() {
		return fmt.Errorf("room is closed")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn := r.currentConn()
	if conn == nil {
		return fmt.Errorf("room is closed")
	}
	return conn.WriteJSON(v)
}

func (r *WSRoom) currentConn() *websocket.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

// swapConn installs a resumed connection. It refuses the swap when the room
// was closed while the dial was in flight, so Close can never be left waiting
// on a read loop that went back to a healthy socket.
func (r *WSRoom) swapConn(conn *websocket.Conn) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.conn = conn
	return true
}

// Close releases the transport. Idempotent; a detach targeting an already
// closed socket is treated as success.
func (r *WSRoom) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.leaving.Store(true)
		r.closed.Store(true)
		conn := r.currentConn()
		if conn != nil {
			r.writeMu.Lock()
			_ = conn.WriteJSON(ClientLeave{Type: "leave"})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			r.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	<-r.done
	return nil
}

func (r *WSRoom) readLoop() {
	defer close(r.done)
	defer close(r.events)
	defer r.closeAllTracks()

	var pendingAudio *ServerAudioChunkHeader

	for {
		if r.closed.Load() {
			r.emit(ClosedEvent{})
			return
		}
		conn := r.currentConn()
		if conn == nil {
			r.emit(ClosedEvent{})
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if r.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.emit(ClosedEvent{})
				return
			}
			if !r.resume() {
				r.closed.Store(true)
				if r.leaving.Load() {
					r.emit(ClosedEvent{})
				} else {
					r.emit(ClosedEvent{Err: core.NewTransportClosedError(fmt.Sprintf("room connection lost: %v", err))})
				}
				return
			}
			pendingAudio = nil
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			terminal := r.handleTextFrame(data, &pendingAudio)
			if terminal {
				return
			}
		case websocket.BinaryMessage:
			if pendingAudio == nil {
				continue
			}
			r.routeAudio(pendingAudio.TrackID, data)
			pendingAudio = nil
		default:
			continue
		}
	}
}

// handleTextFrame dispatches one server frame. Returns true when the frame is
// terminal and the read loop should exit.
func (r *WSRoom) handleTextFrame(data []byte, pendingAudio **ServerAudioChunkHeader) bool {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.logger.Warn("dropping undecodable room frame", "error", err)
		return false
	}

	switch envelope.Type {
	case "participant_joined":
		var frame ServerParticipantJoined
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed participant_joined", "error", err)
			return false
		}
		info := participantInfoFromWire(frame.Participant)
		r.mu.Lock()
		p := &wsParticipant{info: info}
		if old, ok := r.participants[info.Identity]; ok {
			// A re-announce must not orphan a live producer.
			p.track = old.track
		}
		r.participants[info.Identity] = p
		r.mu.Unlock()
		r.emit(ParticipantJoinedEvent{Participant: info})

	case "participant_left":
		var frame ServerParticipantLeft
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed participant_left", "error", err)
			return false
		}
		r.mu.Lock()
		if p, ok := r.participants[frame.Identity]; ok {
			if p.track != nil {
				p.track.Close()
			}
			delete(r.participants, frame.Identity)
		}
		r.mu.Unlock()
		r.emit(ParticipantLeftEvent{Identity: frame.Identity})

	case "track_subscribed":
		var frame ServerTrackSubscribed
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed track_subscribed", "error", err)
			return false
		}
		track := newWSTrack(frame.TrackID)
		r.mu.Lock()
		p, ok := r.participants[frame.Identity]
		if !ok {
			p = &wsParticipant{info: ParticipantInfo{Identity: frame.Identity, Kind: KindPeer}}
			r.participants[frame.Identity] = p
		}
		if p.track != nil {
			p.track.Close()
		}
		p.track = track
		r.mu.Unlock()
		r.emit(TrackSubscribedEvent{Identity: frame.Identity, Track: track})

	case "track_unsubscribed":
		var frame ServerTrackUnsubscribed
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed track_unsubscribed", "error", err)
			return false
		}
		r.mu.Lock()
		if p, ok := r.participants[frame.Identity]; ok && p.track != nil && p.track.ID() == frame.TrackID {
			p.track.Close()
			p.track = nil
		}
		r.mu.Unlock()
		r.emit(TrackUnsubscribedEvent{Identity: frame.Identity, TrackID: frame.TrackID})

	case "audio_chunk_header":
		var header ServerAudioChunkHeader
		if err := json.Unmarshal(data, &header); err != nil {
			r.logger.Warn("dropping malformed audio_chunk_header", "error", err)
			return false
		}
		*pendingAudio = &header

	case "data":
		var frame ServerData
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed data frame", "error", err)
			return false
		}
		payload, err := base64.StdEncoding.DecodeString(frame.DataB64)
		if err != nil {
			r.logger.Warn("dropping data frame with bad payload encoding", "topic", frame.Topic, "error", err)
			return false
		}
		r.emit(DataEvent{Topic: frame.Topic, Payload: payload, Sender: frame.Sender})

	case "attributes":
		var frame ServerAttributes
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping malformed attributes frame", "error", err)
			return false
		}
		r.mu.Lock()
		if p, ok := r.participants[frame.Identity]; ok {
			if p.info.Attributes == nil {
				p.info.Attributes = make(map[string]string, len(frame.Attributes))
			}
			for k, v := range frame.Attributes {
				p.info.Attributes[k] = v
			}
		}
		r.mu.Unlock()
		r.emit(AttributesChangedEvent{Identity: frame.Identity, Attributes: frame.Attributes})

	case "error":
		var frame ServerError
		_ = json.Unmarshal(data, &frame)
		r.logger.Warn("room server error", "code", frame.Code, "message", frame.Message)

	case "bye":
		var frame ServerBye
		_ = json.Unmarshal(data, &frame)
		r.closed.Store(true)
		r.emit(ClosedEvent{})
		return true

	default:
		r.logger.Debug("ignoring unknown room frame", "type", envelope.Type)
	}
	return false
}

func (r *WSRoom) routeAudio(trackID string, data []byte) {
	r.mu.Lock()
	var track *wsTrack
	for _, p := range r.participants {
		if p.track != nil && p.track.ID() == trackID {
			track = p.track
			break
		}
	}
	r.mu.Unlock()
	if track != nil {
		track.push(append([]byte(nil), data...))
	}
}

// resume redials with the stored session id inside the reconnection budget.
// Returns false once the budget is exhausted or the room was closed locally.
func (r *WSRoom) resume() bool {
	sessionID := r.SessionID()
	for attempt := 1; attempt <= r.opts.ReconnectAttempts; attempt++ {
		if r.closed.Load() || r.leaving.Load() {
			return false
		}
		r.emit(ReconnectingEvent{Attempt: attempt})
		time.Sleep(time.Duration(attempt) * r.opts.ReconnectBackoff)
		if r.closed.Load() || r.leaving.Load() {
			return false
		}

		conn, joined, err := r.dialAndJoin(context.Background(), sessionID)
		if err != nil {
			r.logger.Warn("room resume attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if !r.swapConn(conn) {
			_ = conn.Close()
			return false
		}
		snapshot := r.applyJoined(joined)
		r.emit(ReconnectedEvent{Participants: snapshot})
		r.logger.Info("room resumed", "attempt", attempt, "session_id", joined.SessionID)
		return true
	}
	return false
}

func (r *WSRoom) closeAllTracks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.track != nil {
			p.track.Close()
		}
	}
}

func (r *WSRoom) emit(event Event) {
	if event == nil {
		return
	}
	select {
	case r.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
	}
}

type wsMicrophone struct {
	room    *WSRoom
	enabled atomic.Bool
	muted   atomic.Bool
}

// SetEnabled toggles the local publish on the wire and mirrors the flag.
func (m *wsMicrophone) SetEnabled(enabled bool) error {
	if err := m.room.sendJSON(ClientMic{Type: "mic", Enabled: enabled}); err != nil {
		return err
	}
	m.enabled.Store(enabled)
	return nil
}

func (m *wsMicrophone) Enabled() bool { return m.enabled.Load() }
func (m *wsMicrophone) Muted() bool   { return m.muted.Load() }
