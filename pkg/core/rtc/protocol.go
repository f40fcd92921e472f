package rtc

import (
	"fmt"
	"strings"
)

const (
	// ProtocolVersion1 is the only room wire protocol version.
	ProtocolVersion1 = "1"
)

// AudioFormat describes negotiated audio shape for a track.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// WireParticipant is the wire form of a remote participant.
type WireParticipant struct {
	Identity     string            `json:"identity"`
	Kind         string            `json:"kind,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	AudioTrackID string            `json:"audio_track_id,omitempty"`
}

// HelloClient identifies the connecting client.
type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientHello opens (or resumes) a room session.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Token           string      `json:"token"`
	ResumeSessionID string      `json:"resume_session_id,omitempty"`
	Client          HelloClient `json:"client,omitempty"`
}

// ClientMic toggles the local audio publish.
type ClientMic struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// ClientAudioFrameHeader precedes one binary frame of local microphone PCM.
type ClientAudioFrameHeader struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// ClientLeave requests a graceful close.
type ClientLeave struct {
	Type string `json:"type"`
}

// ServerJoined acknowledges a hello and snapshots the room.
type ServerJoined struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"session_id"`
	Room         string            `json:"room"`
	You          WireParticipant   `json:"you"`
	MicEnabled   bool              `json:"mic_enabled"`
	MicMuted     bool              `json:"mic_muted,omitempty"`
	Participants []WireParticipant `json:"participants,omitempty"`
	AudioOut     AudioFormat       `json:"audio_out"`
}

type ServerParticipantJoined struct {
	Type        string          `json:"type"`
	Participant WireParticipant `json:"participant"`
}

type ServerParticipantLeft struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

type ServerTrackSubscribed struct {
	Type     string      `json:"type"`
	Identity string      `json:"identity"`
	TrackID  string      `json:"track_id"`
	Format   AudioFormat `json:"format,omitempty"`
}

type ServerTrackUnsubscribed struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	TrackID  string `json:"track_id"`
}

// ServerAudioChunkHeader precedes one binary frame of track PCM.
type ServerAudioChunkHeader struct {
	Type    string `json:"type"`
	TrackID string `json:"track_id"`
	Seq     int64  `json:"seq"`
}

// ServerData is one labeled data-lane message.
type ServerData struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Sender  string `json:"sender,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ServerAttributes struct {
	Type       string            `json:"type"`
	Identity   string            `json:"identity"`
	Attributes map[string]string `json:"attributes"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerBye announces a server-initiated graceful close.
type ServerBye struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ParseParticipantKind maps the wire kind string onto ParticipantKind.
// Unknown or empty kinds are ordinary peers.
func ParseParticipantKind(kind string) ParticipantKind {
	if strings.EqualFold(strings.TrimSpace(kind), string(KindAgent)) {
		return KindAgent
	}
	return KindPeer
}

// WebSocketEndpoint rewrites an http(s) endpoint to its ws(s) form.
func WebSocketEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint must not be empty")
	}
	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return endpoint, nil
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://"), nil
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://"), nil
	default:
		return "", fmt.Errorf("endpoint %q must use http(s) or ws(s)", endpoint)
	}
}
