// Package reconcile ingests the two labeled inbound message lanes and keeps
// a deduplicated, ordered view of them.
//
// The lanes are logically independent streams sharing one transport channel;
// no ordering is assumed between them. Messages may arrive before the session
// is connected (applied immediately) and are ignored once teardown begins.
package reconcile

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Topic labels carried with each inbound data message.
const (
	TopicTranscript = "transcript"
	TopicCitations  = "rag_sources"
)

// Config configures a Reconciler.
type Config struct {
	// DedupWindow bounds the transcript duplicate check to the trailing N
	// entries. 0 checks the entire history (the original behavior).
	DedupWindow int

	// CitationLimit bounds the citation set. Default 8.
	CitationLimit int

	Logger *slog.Logger
}

// Reconciler merges the transcript and citation lanes into view state.
type Reconciler struct {
	mu         sync.Mutex
	closed     bool
	transcript *transcriptLog
	citations  *citationSet
	logger     *slog.Logger
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		transcript: newTranscriptLog(cfg.DedupWindow),
		citations:  newCitationSet(cfg.CitationLimit),
		logger:     logger,
	}
}

// Apply routes one inbound message to its lane. Unknown topics and malformed
// payloads are dropped with a logged warning, never an error. After Close,
// Apply is a no-op.
func (r *Reconciler) Apply(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch topic {
	case TopicTranscript:
		if !r.transcript.append(string(payload)) {
			r.logger.Debug("suppressed duplicate transcript entry")
		}
	case TopicCitations:
		var body struct {
			Sources *[]string `json:"sources"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			r.logger.Warn("dropping malformed citations payload", "error", err)
			return
		}
		if body.Sources == nil {
			r.logger.Warn("dropping citations payload without sources field")
			return
		}
		r.citations.merge(*body.Sources)
	default:
		r.logger.Debug("ignoring message on unknown lane", "topic", topic)
	}
}

// Transcript returns the ordered transcript entries.
func (r *Reconciler) Transcript() []Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.snapshot()
}

// Citations returns the ordered distinct citation sources.
func (r *Reconciler) Citations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.citations.snapshot()
}

// Close stops all further mutation. Idempotent.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
