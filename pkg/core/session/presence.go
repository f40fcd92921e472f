package session

import "strings"

// Presence is the derived view of the automated peer's conversational phase.
// It is a view-model projection only, never authoritative for session
// correctness.
type Presence string

const (
	PresenceInitializing Presence = "initializing"
	PresenceWaiting      Presence = "waiting"
	PresenceListening    Presence = "listening"
	PresenceThinking     Presence = "thinking"
	PresenceSpeaking     Presence = "speaking"
)

// defaultAgentStateAttribute is the participant attribute the automated peer
// publishes its state under. Matched by suffix so namespaced variants
// (for example "lk.agent.state") are accepted.
const defaultAgentStateAttribute = "agent.state"

// presenceFromAttributes extracts an explicit agent state signal, if any.
func presenceFromAttributes(attrs map[string]string, attribute string) (Presence, bool) {
	for key, value := range attrs {
		if key != attribute && !strings.HasSuffix(key, attribute) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "initializing":
			return PresenceInitializing, true
		case "idle", "listening":
			return PresenceListening, true
		case "thinking":
			return PresenceThinking, true
		case "speaking":
			return PresenceSpeaking, true
		}
	}
	return "", false
}
