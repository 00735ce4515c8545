package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Signal is what one endpoint posts to the other over the in-process link.
type Signal struct {
	From        Role
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
	// EndOfCandidates is the null candidate: gathering finished.
	EndOfCandidates bool
}

func (s Signal) String() string {
	switch {
	case s.Description != nil:
		return fmt.Sprintf("%s from %s", s.Description.Type, s.From)
	case s.EndOfCandidates:
		return fmt.Sprintf("end-of-candidates from %s", s.From)
	case s.Candidate != nil:
		return fmt.Sprintf("candidate from %s", s.From)
	}
	return "empty signal"
}

// Arrival is a remote track that showed up on one of the endpoints.
type Arrival struct {
	Endpoint string
	Track    defs.RemoteTrack
	RTCP     defs.RTCPWriter
}

type Option func(c *Coordinator)

// WithFilter lets fn drop signals on their way to the peer, modelling a lossy
// link. Returning false drops the signal.
func WithFilter(fn func(Signal) bool) Option {
	return func(c *Coordinator) { c.filter = fn }
}

// WithErrorHandler receives every failure, fatal or not.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

func WithNames(caller, callee string) Option {
	return func(c *Coordinator) { c.names = [2]string{caller, callee} }
}

// Coordinator drives the offer/answer exchange and candidate trading
// between a caller and a callee living in the same process. It owns both
// endpoints; each endpoint only knows the role of its peer.
type Coordinator struct {
	eps   [2]*Endpoint
	boxes [2]*mailbox
	names [2]string

	filter  func(Signal) bool
	onError func(error)

	tracks chan Arrival

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce sync.Once
	failed   chan struct{}
	err      error

	closeOnce sync.Once
	closeErr  error

	sent [2]int
	mu   sync.Mutex
}

func NewCoordinator(caller, callee Transport, opts ...Option) (c *Coordinator) {
	c = &Coordinator{
		names:  [2]string{"pc1", "pc2"},
		tracks: make(chan Arrival, 4),
		failed: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.onError == nil {
		c.onError = func(err error) { log.Warn().Err(err).Msg("negotiation") }
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	for i, tr := range []Transport{caller, callee} {
		role := Role(i)
		c.boxes[role] = newMailbox()
		c.eps[role] = NewEndpoint(c.names[role], role, tr, c.onError)
	}
	for _, e := range c.eps {
		c.wg.Add(1)
		go c.run(e)
	}
	return
}

func (c *Coordinator) Endpoint(r Role) *Endpoint { return c.eps[r] }

// Tracks delivers remote tracks; it is closed once the coordinator is.
func (c *Coordinator) Tracks() <-chan Arrival { return c.tracks }

// Sent returns how many candidates the endpoint in role r forwarded.
func (c *Coordinator) Sent(r Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[r]
}

// Err returns the fatal error that ended the round, if any.
func (c *Coordinator) Err() error {
	select {
	case <-c.failed:
		return c.err
	default:
		return nil
	}
}

// Negotiate runs the caller half of the handshake: create the offer, set it
// locally and post it to the callee. The callee answers from its own flow.
func (c *Coordinator) Negotiate(ctx context.Context) (err error) {
	caller := c.eps[Caller]

	offer, err := caller.CreateOffer(ctx)
	if err != nil {
		return c.fail(err)
	}
	if err = caller.SetLocalDescription(ctx, offer); err != nil {
		return c.fail(err)
	}
	c.send(Signal{From: Caller, Description: &offer})
	return
}

// WaitStable returns once both endpoints are stable, or with the error that
// ended the round. No deadline of its own: pass one in ctx if needed.
func (c *Coordinator) WaitStable(ctx context.Context) error {
	for _, e := range c.eps {
		select {
		case <-e.Stable():
		case <-c.failed:
			return c.err
		case <-e.Done():
			return defs.NewPhaseError(defs.ErrClosed, e.Name(), "waitStable", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) fail(err error) error {
	c.onError(err)
	if defs.Fatal(err) {
		c.failOnce.Do(func() {
			c.err = err
			close(c.failed)
		})
	}
	return err
}

func (c *Coordinator) send(s Signal) {
	if c.filter != nil && !c.filter(s) {
		log.Debug().Str("signal", s.String()).Msg("dropped on the link")
		return
	}
	c.boxes[s.From.Peer()].push(s)
}

func (c *Coordinator) run(e *Endpoint) {
	defer c.wg.Done()

	box := c.boxes[e.Role()]
	events := e.Transport().Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-box.ready:
			for {
				s, ok := box.pop()
				if !ok {
					break
				}
				c.handle(e, s)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onEvent(e, ev)
		}
	}
}

// handle applies a signal coming from the peer.
func (c *Coordinator) handle(e *Endpoint, s Signal) {
	ctx := c.ctx
	switch {
	case s.Description != nil && s.Description.Type == webrtc.SDPTypeOffer:
		if err := e.SetRemoteDescription(ctx, *s.Description); err != nil {
			c.fail(err)
			return
		}
		answer, err := e.CreateAnswer(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		if err = e.SetLocalDescription(ctx, answer); err != nil {
			c.fail(err)
			return
		}
		c.send(Signal{From: e.Role(), Description: &answer})

	case s.Description != nil:
		if err := e.SetRemoteDescription(ctx, *s.Description); err != nil {
			c.fail(err)
		}

	case s.EndOfCandidates:
		if err := e.AddICECandidate(ctx, nil); err != nil {
			c.onError(err)
		}

	case s.Candidate != nil:
		if err := e.AddICECandidate(ctx, s.Candidate); err != nil {
			c.onError(err)
		}
	}
}

// onEvent handles what the endpoint's own transport reports.
func (c *Coordinator) onEvent(e *Endpoint, ev Event) {
	l := e.log
	switch ev.Type {
	case EventCandidate:
		c.mu.Lock()
		c.sent[e.Role()]++
		c.mu.Unlock()
		l.Debug().Str("candidate", ev.Candidate.Candidate).Msg("ICE candidate")
		c.send(Signal{From: e.Role(), Candidate: ev.Candidate})

	case EventGathered:
		l.Debug().Msg("ICE candidate: (null)")
		c.send(Signal{From: e.Role(), EndOfCandidates: true})

	case EventTrack:
		l.Info().Str("kind", ev.Track.Kind().String()).Str("id", ev.Track.ID()).Msg("received remote stream")
		select {
		case c.tracks <- Arrival{Endpoint: e.Name(), Track: ev.Track, RTCP: e.Transport()}:
		case <-c.ctx.Done():
		}

	case EventICEState:
		l.Info().Str("ice", ev.ICEState.String()).Msg("ICE state")
	}
}

// Close tears down both endpoints. Calling it again is a no-op.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		for _, e := range c.eps {
			if err := e.Close(); err != nil && c.closeErr == nil {
				c.closeErr = errors.Wrap(err, "close")
			}
		}
		close(c.tracks)
	})
	return c.closeErr
}
