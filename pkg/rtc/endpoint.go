package rtc

import (
	"context"
	"sync"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Caller {
		return "caller"
	}
	return "callee"
}

// Peer is the other side of a direct pair.
func (r Role) Peer() Role { return 1 - r }

type State int

const (
	Idle State = iota
	LocalDescriptionSet
	RemoteDescriptionSet
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocalDescriptionSet:
		return "have-local"
	case RemoteDescriptionSet:
		return "have-remote"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Endpoint drives one transport through a single offer/answer round.
// Candidates arriving before the remote description wait in pending and are
// applied, in arrival order, as soon as it is set.
type Endpoint struct {
	name string
	role Role
	peer Role
	tr   Transport

	report func(error)

	mu      sync.Mutex
	state   State
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	pending []*webrtc.ICECandidateInit
	applied []*webrtc.ICECandidateInit
	gotEnd  bool

	stable chan struct{}
	closed chan struct{}

	log zerolog.Logger
}

func NewEndpoint(name string, role Role, tr Transport, report func(error)) (e *Endpoint) {
	e = &Endpoint{
		name:   name,
		role:   role,
		peer:   role.Peer(),
		tr:     tr,
		report: report,
		stable: make(chan struct{}),
		closed: make(chan struct{}),
		log:    log.With().Str("pc", name).Logger(),
	}
	if e.report == nil {
		e.report = func(err error) { e.log.Warn().Err(err).Msg("unhandled") }
	}
	return
}

func (e *Endpoint) Name() string         { return e.name }
func (e *Endpoint) Role() Role           { return e.role }
func (e *Endpoint) Peer() Role           { return e.peer }
func (e *Endpoint) Transport() Transport { return e.tr }

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stable is closed once both descriptions are in place.
func (e *Endpoint) Stable() <-chan struct{} { return e.stable }

func (e *Endpoint) Done() <-chan struct{} { return e.closed }

// Applied returns the candidates handed to the transport, in order.
func (e *Endpoint) Applied() []*webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*webrtc.ICECandidateInit(nil), e.applied...)
}

// EndOfCandidates reports whether the peer's end-of-candidates mark was applied.
func (e *Endpoint) EndOfCandidates() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gotEnd
}

func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Endpoint) violation(phase, format string, args ...interface{}) error {
	return defs.NewPhaseError(defs.ErrProtocol, e.name, phase, errors.Errorf(format, args...))
}

func (e *Endpoint) CreateOffer(ctx context.Context) (desc webrtc.SessionDescription, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != Caller {
		return desc, e.violation("createOffer", "only the caller offers")
	}
	if e.state != Idle {
		return desc, e.violation("createOffer", "state %s", e.state)
	}
	if desc, err = e.tr.CreateOffer(ctx); err != nil {
		return desc, defs.NewPhaseError(defs.ErrDescriptionRejected, e.name, "createOffer", err)
	}
	e.log.Debug().Str("sdp", desc.SDP).Msg("offer created")
	return
}

func (e *Endpoint) CreateAnswer(ctx context.Context) (desc webrtc.SessionDescription, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != Callee {
		return desc, e.violation("createAnswer", "only the callee answers")
	}
	if e.state != RemoteDescriptionSet {
		return desc, e.violation("createAnswer", "state %s", e.state)
	}
	if desc, err = e.tr.CreateAnswer(ctx); err != nil {
		return desc, defs.NewPhaseError(defs.ErrDescriptionRejected, e.name, "createAnswer", err)
	}
	e.log.Debug().Str("sdp", desc.SDP).Msg("answer created")
	return
}

func (e *Endpoint) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const phase = "setLocalDescription"
	switch {
	case e.state == Closed:
		return defs.NewPhaseError(defs.ErrClosed, e.name, phase, nil)
	case e.local != nil:
		return e.violation(phase, "local description already set")
	case e.role == Caller && (e.state != Idle || desc.Type != webrtc.SDPTypeOffer):
		return e.violation(phase, "caller sets its %s offer from idle, state %s", desc.Type, e.state)
	case e.role == Callee && (e.state != RemoteDescriptionSet || desc.Type != webrtc.SDPTypeAnswer):
		return e.violation(phase, "callee sets its %s answer after the offer, state %s", desc.Type, e.state)
	}

	if err = e.tr.SetLocalDescription(ctx, desc); err != nil {
		return defs.NewPhaseError(defs.ErrDescriptionRejected, e.name, phase, err)
	}
	e.local = &desc
	e.advance()
	e.log.Info().Str("state", e.state.String()).Msg("setLocalDescription complete")
	return
}

func (e *Endpoint) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const phase = "setRemoteDescription"
	switch {
	case e.state == Closed:
		return defs.NewPhaseError(defs.ErrClosed, e.name, phase, nil)
	case e.remote != nil:
		return e.violation(phase, "remote description already set")
	case e.role == Caller && (e.state != LocalDescriptionSet || desc.Type != webrtc.SDPTypeAnswer):
		return e.violation(phase, "caller takes the %s answer after its offer, state %s", desc.Type, e.state)
	case e.role == Callee && (e.state != Idle || desc.Type != webrtc.SDPTypeOffer):
		return e.violation(phase, "callee takes the %s offer from idle, state %s", desc.Type, e.state)
	}

	if err = e.tr.SetRemoteDescription(ctx, desc); err != nil {
		return defs.NewPhaseError(defs.ErrDescriptionRejected, e.name, phase, err)
	}
	e.remote = &desc
	e.advance()
	e.log.Info().Str("state", e.state.String()).Int("queued", len(e.pending)).Msg("setRemoteDescription complete")

	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.apply(ctx, c); err != nil {
			e.report(err)
		}
	}
	return nil
}

// AddICECandidate applies c, or queues it while the remote description is
// missing. A nil c is the end-of-candidates mark.
func (e *Endpoint) AddICECandidate(ctx context.Context, c *webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Closed {
		return defs.NewPhaseError(defs.ErrClosed, e.name, "addIceCandidate", nil)
	}
	if e.remote == nil {
		e.pending = append(e.pending, c)
		e.log.Debug().Int("queued", len(e.pending)).Msg("candidate queued")
		return nil
	}
	return e.apply(ctx, c)
}

func (e *Endpoint) apply(ctx context.Context, c *webrtc.ICECandidateInit) error {
	if c == nil && e.gotEnd {
		return nil
	}
	if err := e.tr.AddICECandidate(ctx, c); err != nil {
		return defs.NewPhaseError(defs.ErrCandidateRejected, e.name, "addIceCandidate", err)
	}
	if c == nil {
		e.gotEnd = true
		e.log.Debug().Msg("end of candidates")
		return nil
	}
	e.applied = append(e.applied, c)
	e.log.Debug().Str("candidate", c.Candidate).Msg("addIceCandidate success")
	return nil
}

// advance must be called with mu held.
func (e *Endpoint) advance() {
	switch {
	case e.local != nil && e.remote != nil:
		e.state = Stable
		close(e.stable)
	case e.local != nil:
		e.state = LocalDescriptionSet
	case e.remote != nil:
		e.state = RemoteDescriptionSet
	}
}

func (e *Endpoint) Close() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Closed {
		return
	}
	e.state = Closed
	e.pending = nil
	close(e.closed)
	if err = e.tr.Close(); err != nil {
		err = errors.Wrapf(err, "%s close", e.name)
	}
	e.log.Info().Msg("closed")
	return
}
