package reconcile

import "strings"

// Speaker tags a transcript entry.
type Speaker string

const (
	// SpeakerLocal is the local user.
	SpeakerLocal Speaker = "local"
	// SpeakerRemote is the automated agent peer.
	SpeakerRemote Speaker = "remote"
)

// Utterance is one speaker-tagged transcript entry.
type Utterance struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// splitSpeakerTag parses the wire form `<TAG>:<text>`. USER maps to the local
// speaker; AGENT (and the legacy BOT synonym) to the remote one. A missing or
// unknown tag leaves the whole payload as remote text.
func splitSpeakerTag(raw string) (Speaker, string) {
	tag, rest, ok := strings.Cut(raw, ":")
	if ok {
		switch strings.ToUpper(strings.TrimSpace(tag)) {
		case "USER":
			return SpeakerLocal, rest
		case "AGENT", "BOT":
			return SpeakerRemote, rest
		}
	}
	return SpeakerRemote, raw
}

// transcriptLog is the append-only, deduplicating transcript lane state.
//
// Deduplication compares normalized text (tag stripped, trimmed) against the
// immediately preceding entry and against the seen-set. With window == 0 the
// seen-set spans the entire history; a positive window bounds it to the
// trailing N entries, which lets a legitimately repeated utterance back in
// eventually.
type transcriptLog struct {
	window  int
	entries []Utterance
	seen    map[string]int
	recent  []string
}

func newTranscriptLog(window int) *transcriptLog {
	if window < 0 {
		window = 0
	}
	return &transcriptLog{
		window: window,
		seen:   make(map[string]int),
	}
}

// append adds one utterance unless its normalized form is a duplicate.
// Returns true when the entry was appended.
func (l *transcriptLog) append(raw string) bool {
	speaker, text := splitSpeakerTag(raw)
	norm := strings.TrimSpace(text)
	if norm == "" {
		return false
	}

	if n := len(l.entries); n > 0 && strings.TrimSpace(l.entries[n-1].Text) == norm {
		return false
	}
	if l.seen[norm] > 0 {
		return false
	}

	l.entries = append(l.entries, Utterance{Speaker: speaker, Text: text})
	l.seen[norm]++
	l.recent = append(l.recent, norm)

	if l.window > 0 && len(l.recent) > l.window {
		oldest := l.recent[0]
		l.recent = l.recent[1:]
		if l.seen[oldest] <= 1 {
			delete(l.seen, oldest)
		} else {
			l.seen[oldest]--
		}
	}
	return true
}

func (l *transcriptLog) snapshot() []Utterance {
	out := make([]Utterance, len(l.entries))
	copy(out, l.entries)
	return out
}
