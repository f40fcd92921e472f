// Package session owns the connection lifecycle of one live call: the state
// machine, the wiring of remote producers to audio sinks, the ingestion of
// the data lanes, and the recovery procedure after a transient interruption.
//
// All transport events are reacted to from a single goroutine; user actions
// (mic toggle, end call) serialize against it behind the session mutex, so no
// mutation of the sink table or the lanes is ever partially applied.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voicerag/voicerag-go/pkg/core"
	"github.com/voicerag/voicerag-go/pkg/core/audio"
	"github.com/voicerag/voicerag-go/pkg/core/reconcile"
	"github.com/voicerag/voicerag-go/pkg/core/rtc"
)

// Dialer opens the room transport for a join credential and endpoint.
type Dialer func(ctx context.Context, endpoint, credential string) (rtc.Room, error)

// Config configures a Session.
type Config struct {
	// Dialer opens the transport. Defaults to rtc.Dial with default options.
	Dialer Dialer

	// Output is the platform audio-output binding for remote producers.
	// Required.
	Output audio.Output

	// DedupWindow bounds the transcript duplicate check (0 = full history).
	DedupWindow int

	// CitationLimit bounds the citation set (default 8).
	CitationLimit int

	// AgentStateAttribute is the participant attribute carrying the agent's
	// conversational state. Default "agent.state", matched by suffix.
	AgentStateAttribute string

	// OnClose is the completion callback, invoked exactly once on terminal
	// teardown with the fatal error, if any.
	OnClose func(err error)

	Logger *slog.Logger
}

// Session is the lifecycle and stream-reconciliation controller for one call
// attempt. Create with New, start with Start; a Session is not reusable after
// it disconnects.
type Session struct {
	cfg    Config
	logger *slog.Logger

	sinks *audio.Registry
	rec   *reconcile.Reconciler

	mu            sync.Mutex
	state         State
	gen           int
	room          rtc.Room
	lastErr       error
	micWanted     bool
	presence      Presence
	agentIdentity string

	finishOnce sync.Once
	done       chan struct{}
}

// View is a point-in-time snapshot of the reconciled session state.
type View struct {
	State      State
	Connected  bool
	Err        string
	Presence   Presence
	Transcript []reconcile.Utterance
	Citations  []string
	MicEnabled bool
}

// New creates an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Output == nil {
		return nil, core.NewInvalidRequestError("audio output must not be nil")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(ctx context.Context, endpoint, credential string) (rtc.Room, error) {
			return rtc.Dial(ctx, endpoint, credential, rtc.DialOptions{Logger: cfg.Logger})
		}
	}
	if cfg.AgentStateAttribute == "" {
		cfg.AgentStateAttribute = defaultAgentStateAttribute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:    cfg,
		logger: logger,
		sinks:  audio.NewRegistry(cfg.Output, logger),
		rec: reconcile.New(reconcile.Config{
			DedupWindow:   cfg.DedupWindow,
			CitationLimit: cfg.CitationLimit,
			Logger:        logger,
		}),
		state:    StateIdle,
		presence: PresenceInitializing,
		done:     make(chan struct{}),
	}, nil
}

// Start requests the join. A second request while the session is connecting
// or connected is a no-op, not an error; a request after disconnect fails.
func (s *Session) Start(ctx context.Context, credential, endpoint string) error {
	if credential == "" {
		return core.NewInvalidRequestError("join credential must not be empty")
	}
	if endpoint == "" {
		return core.NewInvalidRequestError("endpoint must not be empty")
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected, StateReconnecting:
		s.mu.Unlock()
		return nil
	case StateDisconnected:
		s.mu.Unlock()
		return core.NewNotReadyError("session already ended")
	}
	s.state = StateConnecting
	gen := s.gen
	s.mu.Unlock()

	go s.connect(ctx, gen, credential, endpoint)
	return nil
}

func (s *Session) connect(ctx context.Context, gen int, credential, endpoint string) {
	room, err := s.cfg.Dialer(ctx, endpoint, credential)

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		if room != nil {
			_ = room.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		if _, ok := core.TypeOf(err); !ok {
			err = core.NewJoinError(err.Error())
		}
		s.finish(err)
		return
	}
	s.room = room
	s.mu.Unlock()

	go s.run(gen, room)
}

// run is the single event-reaction loop for this session generation.
func (s *Session) run(gen int, room rtc.Room) {
	for event := range room.Events() {
		s.dispatch(gen, event)
	}
	// Backstop: a room that closes its event channel without a terminal
	// event still tears the session down.
	s.finish(nil)
}

// dispatch applies one transport event. Events issued under a superseded
// generation are discarded before touching shared state.
func (s *Session) dispatch(gen int, event rtc.Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	switch e := event.(type) {
	case rtc.JoinedEvent:
		s.state = StateConnected
		s.attachSnapshotLocked(e.Participants)
		s.refreshPresenceLocked()
		s.logger.Info("session connected", "room", e.Room, "participants", len(e.Participants))
		s.mu.Unlock()

	case rtc.ParticipantJoinedEvent:
		if e.Participant.Kind == rtc.KindAgent {
			s.agentIdentity = e.Participant.Identity
		}
		s.noteAttributesLocked(e.Participant.Identity, e.Participant.Attributes)
		s.refreshPresenceLocked()
		s.mu.Unlock()

	case rtc.ParticipantLeftEvent:
		s.sinks.Detach(e.Identity)
		if e.Identity == s.agentIdentity {
			s.agentIdentity = ""
		}
		s.refreshPresenceLocked()
		s.mu.Unlock()

	case rtc.TrackSubscribedEvent:
		s.sinks.Attach(e.Identity, e.Track)
		s.mu.Unlock()

	case rtc.TrackUnsubscribedEvent:
		s.sinks.Detach(e.Identity)
		s.mu.Unlock()

	case rtc.DataEvent:
		s.mu.Unlock()
		s.rec.Apply(e.Topic, e.Payload)

	case rtc.AttributesChangedEvent:
		s.noteAttributesLocked(e.Identity, e.Attributes)
		s.mu.Unlock()

	case rtc.ReconnectingEvent:
		if s.state == StateConnected {
			s.logger.Warn("session transport interrupted", "attempt", e.Attempt)
		}
		s.state = StateReconnecting
		s.mu.Unlock()

	case rtc.ReconnectedEvent:
		s.state = StateConnected
		s.recoverLocked(e.Participants)
		s.mu.Unlock()

	case rtc.ClosedEvent:
		s.mu.Unlock()
		s.finish(e.Err)

	default:
		s.mu.Unlock()
	}
}

// attachSnapshotLocked wires every producer in a participant snapshot.
func (s *Session) attachSnapshotLocked(participants []rtc.RemoteParticipant) {
	for _, p := range participants {
		if p.Info.Kind == rtc.KindAgent {
			s.agentIdentity = p.Info.Identity
		}
		if p.Audio != nil {
			s.sinks.Attach(p.Info.Identity, p.Audio)
		}
		s.noteAttributesLocked(p.Info.Identity, p.Info.Attributes)
	}
}

// recoverLocked runs the post-reconnect recovery sequence. Each step is
// independent and best-effort; a failure is reported, never fatal.
func (s *Session) recoverLocked(participants []rtc.RemoteParticipant) {
	if err := s.sinks.ResumeOutput(); err != nil {
		s.logger.Warn("recovery: audio output resume failed", "error", err)
	}

	s.sinks.DetachAll()
	s.attachSnapshotLocked(participants)

	mic := s.micLocked()
	if s.micWanted && mic != nil && !mic.Muted() {
		if err := mic.SetEnabled(true); err != nil {
			s.logger.Warn("recovery: microphone re-enable failed", "error", core.NewRecoveryError(err.Error()))
		}
	}
	s.refreshPresenceLocked()
	s.logger.Info("session recovered", "participants", len(participants))
}

func (s *Session) noteAttributesLocked(identity string, attrs map[string]string) {
	if identity == "" || identity != s.agentIdentity {
		return
	}
	if p, ok := presenceFromAttributes(attrs, s.cfg.AgentStateAttribute); ok {
		s.presence = p
	}
}

// refreshPresenceLocked recomputes the derived presence from connection and
// agent-participant facts; an explicit attribute signal set via
// noteAttributesLocked wins while the agent is present.
func (s *Session) refreshPresenceLocked() {
	switch {
	case s.state == StateIdle, s.state == StateConnecting:
		s.presence = PresenceInitializing
	case s.agentIdentity == "":
		s.presence = PresenceWaiting
	default:
		if s.presence == PresenceInitializing || s.presence == PresenceWaiting {
			s.presence = PresenceListening
		}
	}
}

func (s *Session) micLocked() rtc.Microphone {
	if s.room == nil {
		return nil
	}
	return s.room.Microphone()
}

// EnableMic turns on the local capture publish. Valid only while connected;
// otherwise it fails with a not_ready error the caller reports and drops.
func (s *Session) EnableMic() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return core.NewNotReadyError(fmt.Sprintf("cannot enable microphone while %s", s.state))
	}
	mic := s.micLocked()
	if mic == nil {
		return core.NewNotReadyError("microphone unavailable")
	}
	if err := mic.SetEnabled(true); err != nil {
		return core.NewNotReadyError(err.Error())
	}
	s.micWanted = true
	return nil
}

// DisableMic turns off the local capture publish. Valid in any state;
// disabling an already-off capture is a no-op.
func (s *Session) DisableMic() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.micWanted = false
	if mic := s.micLocked(); mic != nil && mic.Enabled() {
		if err := mic.SetEnabled(false); err != nil {
			s.logger.Debug("microphone disable failed", "error", err)
		}
	}
}

// Close is the explicit end-call. Always accepted from any state and
// idempotent; the completion callback fires exactly once.
func (s *Session) Close() {
	s.finish(nil)
}

// finish performs the terminal teardown exactly once: every sink removed,
// the lanes frozen, the transport released, the completion callback invoked.
func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.gen++
		s.state = StateDisconnected
		if err != nil {
			s.lastErr = err
		}
		room := s.room
		s.room = nil
		s.mu.Unlock()

		s.sinks.DetachAll()
		s.rec.Close()
		if room != nil {
			_ = room.Close()
		}
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(err)
		}
		close(s.done)
	})
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal session error, if any, once the session is done.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sinks exposes the sink registry for observation.
func (s *Session) Sinks() *audio.Registry {
	return s.sinks
}

// View snapshots the reconciled session state for the presentation layer.
func (s *Session) View() View {
	s.mu.Lock()
	state := s.state
	presence := s.presence
	lastErr := s.lastErr
	mic := s.micLocked()
	s.mu.Unlock()

	v := View{
		State:      state,
		Connected:  state == StateConnected,
		Presence:   presence,
		Transcript: s.rec.Transcript(),
		Citations:  s.rec.Citations(),
	}
	if lastErr != nil {
		v.Err = lastErr.Error()
	}
	if mic != nil {
		v.MicEnabled = mic.Enabled()
	}
	return v
}
