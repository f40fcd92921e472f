package voicerag

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/voicerag/voicerag-go/pkg/core/audio"
	"github.com/voicerag/voicerag-go/pkg/core/reconcile"
	"github.com/voicerag/voicerag-go/pkg/core/session"
)

// Utterance is one reconciled transcript entry.
type Utterance = reconcile.Utterance

// Speaker labels re-exported for view rendering.
const (
	SpeakerLocal  = reconcile.SpeakerLocal
	SpeakerRemote = reconcile.SpeakerRemote
)

// CallsService joins and controls live calls. A client holds at most one live
// call at a time.
type CallsService struct {
	client *Client

	mu   sync.Mutex
	live *Call
}

// JoinRequest configures a call join.
type JoinRequest struct {
	// Credential is the participant token from TokenService.Mint.
	Credential string

	// Endpoint is the room server URL from the join grant.
	Endpoint string

	// Output is the platform audio-output binding. Required.
	Output audio.Output

	// DedupWindow bounds the transcript duplicate check (0 = full history).
	DedupWindow int

	// CitationLimit bounds the citation list (default 8).
	CitationLimit int

	// Dialer overrides the room transport, for tests.
	Dialer session.Dialer

	// OnClose is invoked exactly once when the call ends, with the fatal
	// error if the end was not requested.
	OnClose func(err error)
}

// ViewState is a point-in-time snapshot of a call for the presentation layer.
type ViewState struct {
	State      string
	Connected  bool
	Err        string
	Presence   string
	Transcript []Utterance
	Citations  []string
	MicEnabled bool
}

// Call is one live (or ended) call.
type Call struct {
	sess *session.Session
}

// Join starts a call. While a call is connecting or connected, further joins
// return that same call unchanged; once it has disconnected the client is
// re-joinable.
func (s *CallsService) Join(ctx context.Context, req JoinRequest) (*Call, error) {
	ctx, span := s.client.tracer.Start(ctx, "calls.join", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != nil && s.live.sess.State() != session.StateDisconnected {
		return s.live, nil
	}
	s.live = nil

	var sess *session.Session
	sess, err := session.New(session.Config{
		Dialer:        req.Dialer,
		Output:        req.Output,
		DedupWindow:   req.DedupWindow,
		CitationLimit: req.CitationLimit,
		OnClose: func(closeErr error) {
			s.release(sess)
			if req.OnClose != nil {
				req.OnClose(closeErr)
			}
		},
		Logger: s.client.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx, req.Credential, req.Endpoint); err != nil {
		return nil, err
	}

	call := &Call{sess: sess}
	s.live = call
	return call, nil
}

// Live returns the current live call, or nil.
func (s *CallsService) Live() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// release drops the live slot, but only for the session that owned it.
func (s *CallsService) release(sess *session.Session) {
	s.mu.Lock()
	if s.live != nil && s.live.sess == sess {
		s.live = nil
	}
	s.mu.Unlock()
}

// View snapshots the call state.
func (c *Call) View() ViewState {
	v := c.sess.View()
	return ViewState{
		State:      v.State.String(),
		Connected:  v.Connected,
		Err:        v.Err,
		Presence:   string(v.Presence),
		Transcript: v.Transcript,
		Citations:  v.Citations,
		MicEnabled: v.MicEnabled,
	}
}

// EnableMic turns on local capture. Valid only while the call is connected.
func (c *Call) EnableMic() error {
	return c.sess.EnableMic()
}

// DisableMic turns off local capture. Valid in any state.
func (c *Call) DisableMic() {
	c.sess.DisableMic()
}

// EndCall ends the call. Always succeeds and is idempotent.
func (c *Call) EndCall() {
	c.sess.Close()
}

// Done is closed once the call has fully torn down.
func (c *Call) Done() <-chan struct{} {
	return c.sess.Done()
}

// Err returns the fatal call error, if any, once the call is done.
func (c *Call) Err() error {
	return c.sess.Err()
}
