// Package audio maps remote audio producers to local playback sinks.
//
// The Output capability abstracts the platform audio binding (an HTML audio
// element in a browser shell, an ffplay process in the CLI, an in-memory
// writer in tests); the Registry enforces at most one live sink per remote
// identity regardless of subscribe/unsubscribe interleavings.
package audio

import (
	"log/slog"
	"sync"

	"github.com/voicerag/voicerag-go/pkg/core/rtc"
)

// Handle is an opaque reference to a live playback sink.
type Handle = any

// Output is the platform audio-output capability.
type Output interface {
	// Create starts playback of a producer and returns its sink handle.
	// A rejection (for example an autoplay policy) is returned as an error;
	// callers treat it as non-fatal.
	Create(track rtc.Track) (Handle, error)

	// Destroy stops playback and releases the sink. Unknown handles are
	// ignored.
	Destroy(h Handle)

	// IsPlaying reports whether the sink is actively rendering.
	IsPlaying(h Handle) bool

	// Resume resumes a suspended output context. May fail on platforms that
	// gate audio output behind a user gesture; the failure is non-fatal.
	Resume() error
}

// Registry keys live sinks 1:1 by participant identity.
//
// All mutations happen from the session's event-reaction context; the mutex
// keeps the table consistent for callers that snapshot it from outside.
type Registry struct {
	mu     sync.Mutex
	out    Output
	sinks  map[string]Handle
	logger *slog.Logger
}

// NewRegistry creates a sink registry over an output binding.
func NewRegistry(out Output, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		out:    out,
		sinks:  make(map[string]Handle),
		logger: logger,
	}
}

// Attach creates and starts a sink for identity's producer. An existing sink
// for the same identity is torn down first, so a stale handle from a
// reconnection race can never double-play. A playback rejection is logged,
// not propagated.
func (r *Registry) Attach(identity string, track rtc.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sinks[identity]; ok {
		r.out.Destroy(old)
		delete(r.sinks, identity)
	}
	if track == nil {
		return
	}

	h, err := r.out.Create(track)
	if err != nil {
		r.logger.Warn("audio sink playback rejected", "identity", identity, "track", track.ID(), "error", err)
		return
	}
	r.sinks[identity] = h
}

// Detach removes identity's sink. Removing a non-existent sink is a no-op.
func (r *Registry) Detach(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.sinks[identity]; ok {
		r.out.Destroy(h)
		delete(r.sinks, identity)
	}
}

// DetachAll tears down every sink. Used during teardown and reconnect
// recovery reset.
func (r *Registry) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, h := range r.sinks {
		r.out.Destroy(h)
		delete(r.sinks, identity)
	}
}

// Len returns the number of live sinks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Playing reports whether identity currently has an actively rendering sink.
func (r *Registry) Playing(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.sinks[identity]
	if !ok {
		return false
	}
	return r.out.IsPlaying(h)
}

// ResumeOutput resumes the underlying output context.
func (r *Registry) ResumeOutput() error {
	return r.out.Resume()
}
