package audio

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voicerag/voicerag-go/pkg/core/rtc"
)

// PCMOutputConfig configures the buffered PCM output binding.
type PCMOutputConfig struct {
	// SampleRateHz is the playback sample rate. Default 24000.
	SampleRateHz int

	// MinBufferMs is the minimum audio to accumulate before the first write.
	// This prevents glitches when the first chunk of a turn is small.
	// Default 50ms. Set negative to disable pre-buffering.
	MinBufferMs int

	// NewWriter opens the platform playback writer for a track (an ffplay
	// stdin pipe, a device stream, a test buffer). Required.
	NewWriter func(trackID string) (io.WriteCloser, error)

	// ResumeFunc resumes a suspended platform output context. Optional.
	ResumeFunc func() error

	Logger *slog.Logger
}

// PCMOutput is an Output that renders 16-bit mono PCM through per-sink
// writers, pre-buffering the head of each stream.
type PCMOutput struct {
	cfg       PCMOutputConfig
	suspended atomic.Bool
}

// NewPCMOutput creates a PCM output binding.
func NewPCMOutput(cfg PCMOutputConfig) (*PCMOutput, error) {
	if cfg.NewWriter == nil {
		return nil, fmt.Errorf("NewWriter must not be nil")
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 24000
	}
	if cfg.MinBufferMs == 0 {
		cfg.MinBufferMs = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PCMOutput{cfg: cfg}, nil
}

// Suspend marks the output context suspended; sink creation is rejected until
// Resume succeeds. Mirrors platform output policies that block playback until
// a user gesture.
func (o *PCMOutput) Suspend() {
	o.suspended.Store(true)
}

// Suspended reports whether the output context is suspended.
func (o *PCMOutput) Suspended() bool {
	return o.suspended.Load()
}

// Resume resumes the output context. The error is non-fatal to the session.
func (o *PCMOutput) Resume() error {
	if !o.suspended.Load() {
		return nil
	}
	if o.cfg.ResumeFunc != nil {
		if err := o.cfg.ResumeFunc(); err != nil {
			return err
		}
	}
	o.suspended.Store(false)
	return nil
}

// Create starts a sink pump for the producer.
func (o *PCMOutput) Create(track rtc.Track) (Handle, error) {
	if o.suspended.Load() {
		return nil, fmt.Errorf("audio output is suspended")
	}
	w, err := o.cfg.NewWriter(track.ID())
	if err != nil {
		return nil, err
	}

	minBytes := 0
	if o.cfg.MinBufferMs > 0 {
		// 16-bit mono: bytes = sampleRate * 2 * (ms / 1000).
		minBytes = (o.cfg.SampleRateHz * 2 * o.cfg.MinBufferMs) / 1000
	}

	s := &pcmSink{
		track:    track,
		w:        w,
		minBytes: minBytes,
		stop:     make(chan struct{}),
		logger:   o.cfg.Logger,
	}
	s.active.Store(true)
	go s.pump()
	return s, nil
}

// Destroy stops the sink pump and closes its writer.
func (o *PCMOutput) Destroy(h Handle) {
	if s, ok := h.(*pcmSink); ok {
		s.halt()
	}
}

// IsPlaying reports whether the sink pump is still running.
func (o *PCMOutput) IsPlaying(h Handle) bool {
	s, ok := h.(*pcmSink)
	return ok && s.active.Load()
}

type pcmSink struct {
	track rtc.Track
	w     io.WriteCloser

	minBytes int
	buffer   []byte
	ready    bool

	stop   chan struct{}
	once   sync.Once
	active atomic.Bool
	logger *slog.Logger
}

func (s *pcmSink) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (s *pcmSink) pump() {
	defer s.active.Store(false)
	defer s.w.Close()

	for {
		select {
		case <-s.stop:
			return
		case <-s.track.Done():
			// Drain what was already buffered, then end.
			s.flush()
			return
		case chunk := <-s.track.PCM():
			if len(chunk) == 0 {
				continue
			}
			s.buffer = append(s.buffer, chunk...)
			if !s.ready && len(s.buffer) >= s.minBytes {
				s.ready = true
			}
			if s.ready && !s.flush() {
				return
			}
		}
	}
}

// flush writes the accumulated buffer. Returns false on a write failure.
func (s *pcmSink) flush() bool {
	if len(s.buffer) == 0 {
		return true
	}
	data := s.buffer
	s.buffer = nil
	if _, err := s.w.Write(data); err != nil {
		s.logger.Warn("audio sink write failed", "track", s.track.ID(), "error", err)
		return false
	}
	return true
}
