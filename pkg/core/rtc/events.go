package rtc

// Event is the interface for all room transport events.
type Event interface {
	roomEventType() string
}

// JoinedEvent is emitted once the transport is established, carrying the
// initial participant snapshot.
type JoinedEvent struct {
	Room         string
	SessionID    string
	Participants []RemoteParticipant
}

func (e JoinedEvent) roomEventType() string { return "joined" }

// ReconnectingEvent signals a transport interruption; the room is attempting
// to resume within its own reconnection budget.
type ReconnectingEvent struct {
	Attempt int
}

func (e ReconnectingEvent) roomEventType() string { return "reconnecting" }

// ReconnectedEvent signals a successful resume. Participants is the refreshed
// snapshot; producers in it replace any held before the interruption.
type ReconnectedEvent struct {
	Participants []RemoteParticipant
}

func (e ReconnectedEvent) roomEventType() string { return "reconnected" }

// ClosedEvent is terminal. Err is nil on a clean close.
type ClosedEvent struct {
	Err error
}

func (e ClosedEvent) roomEventType() string { return "closed" }

type ParticipantJoinedEvent struct {
	Participant ParticipantInfo
}

func (e ParticipantJoinedEvent) roomEventType() string { return "participant_joined" }

type ParticipantLeftEvent struct {
	Identity string
}

func (e ParticipantLeftEvent) roomEventType() string { return "participant_left" }

// TrackSubscribedEvent carries a newly subscribed remote audio producer.
type TrackSubscribedEvent struct {
	Identity string
	Track    Track
}

func (e TrackSubscribedEvent) roomEventType() string { return "track_subscribed" }

type TrackUnsubscribedEvent struct {
	Identity string
	TrackID  string
}

func (e TrackUnsubscribedEvent) roomEventType() string { return "track_unsubscribed" }

// DataEvent is one inbound message on a labeled data lane.
type DataEvent struct {
	Topic   string
	Payload []byte
	Sender  string
}

func (e DataEvent) roomEventType() string { return "data" }

// AttributesChangedEvent carries updated participant attributes (for example
// the agent's conversational state).
type AttributesChangedEvent struct {
	Identity   string
	Attributes map[string]string
}

func (e AttributesChangedEvent) roomEventType() string { return "attributes" }
