// Package rtc is the realtime room transport: the media/session channel that
// carries remote audio producers and the labeled data lanes.
//
// The Room interface is the contract the session controller consumes. The
// package ships a WebSocket implementation (Dial) with automatic resume; tests
// and other platforms substitute their own Room behind the same contract.
package rtc

// ParticipantKind distinguishes ordinary peers from automated agent peers.
type ParticipantKind string

const (
	KindPeer  ParticipantKind = "peer"
	KindAgent ParticipantKind = "agent"
)

// ParticipantInfo describes a remote participant.
type ParticipantInfo struct {
	Identity   string
	Kind       ParticipantKind
	Attributes map[string]string
}

// Track is a remote participant's published audio stream (a producer).
type Track interface {
	// ID returns the transport-assigned track identifier.
	ID() string

	// PCM yields decoded audio chunks. Delivery stops once the track is
	// unsubscribed or the room closes.
	PCM() <-chan []byte

	// Done is closed when the track ends.
	Done() <-chan struct{}

	// Close stops delivery. Safe to call more than once.
	Close()
}

// Microphone is the local audio publish.
type Microphone interface {
	// SetEnabled turns the local publish on or off.
	SetEnabled(enabled bool) error

	// Enabled reports whether the publish is currently on.
	Enabled() bool

	// Muted reports whether the underlying publish was muted by the
	// transport layer independent of the enabled flag.
	Muted() bool
}

// RemoteParticipant is a point-in-time view of a remote participant and its
// currently subscribed audio producer (nil when none).
type RemoteParticipant struct {
	Info  ParticipantInfo
	Audio Track
}

// Room is a live session transport handle.
//
// Implementations deliver events in transport order on a single channel; the
// consumer reacts to them from one goroutine.
type Room interface {
	// Events yields room lifecycle, participant, track and data events.
	// The channel is closed after a terminal ClosedEvent.
	Events() <-chan Event

	// Microphone returns the local capture publish handle.
	Microphone() Microphone

	// RemoteParticipants returns a snapshot of the current remote
	// participants, used to re-enumerate producers after a reconnect.
	RemoteParticipants() []RemoteParticipant

	// Close releases the transport. Idempotent.
	Close() error
}
