package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionStarted
	SessionInCall
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStarted:
		return "started"
	case SessionInCall:
		return "in-call"
	}
	return "unknown"
}

type Deps struct {
	Capturer  media.Capturer
	Transport TransportFactory
	Sinks     SinkFactory
	Ledger    *media.Ledger
	Clock     func() time.Duration
	// Notify receives every payload meant for the control surface.
	Notify func(*defs.WsPload)
}

// Session is one loopback call: local capture relayed through the
// transforms into a generator track, sent by the caller and received by the
// callee of the same process.
type Session struct {
	Id   uuid.UUID
	conf *defs.Conf
	deps Deps

	mu       sync.Mutex
	state    SessionState
	started  bool // start() succeeded at least once
	camera   *media.Track
	local    *media.Generator
	preview  *media.Snapshot
	worker   *media.CanvasWorker
	relay    *media.Relay
	cancel   context.CancelFunc
	relayWg  sync.WaitGroup
	coord    *Coordinator
	reps     []*replicator
	callWg   sync.WaitGroup
	callTime time.Time

	log zerolog.Logger
}

func NewSession(c *defs.Conf, deps Deps) (s *Session) {
	s = &Session{
		Id:      uuid.New(),
		conf:    c,
		deps:    deps,
		preview: &media.Snapshot{},
	}
	if s.deps.Clock == nil {
		origin := time.Now()
		s.deps.Clock = func() time.Duration { return time.Since(origin) }
	}
	if s.deps.Notify == nil {
		s.deps.Notify = func(*defs.WsPload) {}
	}
	s.log = log.With().Str("session", s.Id.String()).Logger()
	return
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Preview() *media.Snapshot { return s.preview }

// Local returns the generator track fed by the relay, nil when not started.
func (s *Session) Local() *media.Generator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Coordinator() *Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord
}

func (s *Session) Buttons() defs.Buttons {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buttons()
}

func (s *Session) buttons() (b defs.Buttons) {
	switch s.state {
	case SessionIdle:
		b.Start = true
		b.Call = s.started
	case SessionStarted:
		b.Call = true
	case SessionInCall:
		b.Hangup = true
	}
	return
}

// Publish sends the current button state to the control surface.
func (s *Session) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish()
}

func (s *Session) publish() {
	data, err := json.Marshal(s.buttons())
	if err != nil {
		s.log.Error().Err(err).Msg("buttons")
		return
	}
	s.deps.Notify(&defs.WsPload{Action: defs.ActState, Id: s.Id.String(), Data: data})
}

func (s *Session) report(err error) {
	s.log.Error().Err(err).Msg("session")
	s.deps.Notify(&defs.WsPload{Action: defs.ActError, Id: s.Id.String(), Data: []byte(err.Error())})
}

// Start requests the local stream and begins relaying its frames.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) (err error) {
	if s.state != SessionIdle {
		return defs.NewPhaseError(defs.ErrProtocol, s.Id.String(), "start", errors.Errorf("state %s", s.state))
	}
	s.log.Info().Msg("requesting local stream")

	cc := s.conf.CaptureConf
	cam, err := s.deps.Capturer.GetUserMedia(ctx, media.Request{Video: true, DeviceID: cc.Device})
	if err != nil {
		return defs.NewPhaseError(errors.Cause(err), s.Id.String(), "getUserMedia", err)
	}
	if err = cam.ApplyConstraints(media.Constraints{W: cc.W, H: cc.H, FPS: cc.FPS, ExactFrameRate: cc.Exact}); err != nil {
		cam.Stop()
		return defs.NewPhaseError(errors.Cause(err), s.Id.String(), "applyConstraints", err)
	}

	settings := cam.Settings()
	s.log.Info().Str("label", cam.Label()).Int("width", settings.W).Int("height", settings.H).Int("fps", settings.FPS).Msg("local stream")

	var transforms []media.Transformer
	if s.conf.Redraw {
		transforms = append(transforms, media.Redraw(s.deps.Ledger, s.deps.Clock))
	}
	if s.conf.Overlay {
		s.worker = media.NewCanvasWorker(time.Now().UnixNano())
		transforms = append(transforms, media.Overlay(s.worker, s.deps.Ledger))
	}

	s.camera = cam
	s.local = media.NewGenerator("generator", settings, s.preview)
	s.relay = media.NewRelay(cam.Label(), cam, s.local, transforms...)

	rctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.relayWg.Add(1)
	go func(r *media.Relay, cam *media.Track) {
		defer s.relayWg.Done()
		if err := r.Run(rctx); err != nil {
			// the call may go on; only the local media stops
			s.report(err)
			cam.Stop()
		}
	}(s.relay, cam)

	s.state = SessionStarted
	s.started = true
	s.publish()
	return
}

// Call negotiates the caller/callee pair. After a hangup it starts capture
// again first.
func (s *Session) Call(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionIdle && s.started {
		if err = s.start(ctx); err != nil {
			return
		}
	}
	if s.state != SessionStarted {
		return defs.NewPhaseError(defs.ErrProtocol, s.Id.String(), "call", errors.Errorf("state %s", s.state))
	}
	s.log.Info().Msg("starting call")
	s.callTime = time.Now()

	caller, err := s.deps.Transport("pc1")
	if err != nil {
		return errors.Wrap(err, "pc1")
	}
	callee, err := s.deps.Transport("pc2")
	if err != nil {
		caller.Close()
		return errors.Wrap(err, "pc2")
	}

	// tracks go in before the offer, adding them later needs renegotiation
	if err = caller.AddTrack(s.local); err != nil {
		caller.Close()
		callee.Close()
		return errors.Wrap(err, "add local track")
	}

	coord := NewCoordinator(caller, callee, WithErrorHandler(s.report))
	s.coord = coord
	s.state = SessionInCall
	s.publish()

	s.callWg.Add(2)
	go s.remoteTracks(coord)
	go s.waitStable(coord, s.callTime)

	return coord.Negotiate(ctx)
}

func (s *Session) remoteTracks(coord *Coordinator) {
	defer s.callWg.Done()

	for a := range coord.Tracks() {
		var sinks map[string]pionmedia.Writer
		if s.deps.Sinks != nil {
			var err error
			if sinks, err = s.deps.Sinks(a.Track); err != nil {
				s.report(errors.Wrap(err, "renderer"))
			}
		}
		r := newReplicator(a, sinks, s.conf.PliInterval)
		r.start()

		s.mu.Lock()
		s.reps = append(s.reps, r)
		s.mu.Unlock()
	}
}

func (s *Session) waitStable(coord *Coordinator, since time.Time) {
	defer s.callWg.Done()

	if err := coord.WaitStable(context.Background()); err != nil {
		s.log.Debug().Err(err).Msg("negotiation not completed")
		return
	}
	s.log.Info().Dur("setup", time.Since(since)).Msg("negotiation stable")
	s.deps.Notify(&defs.WsPload{Action: defs.ActStable, Id: s.Id.String()})
}

// Hangup closes both endpoints and releases the media. It can be called
// any number of times.
func (s *Session) Hangup() (err error) {
	s.mu.Lock()
	if s.state == SessionIdle {
		s.mu.Unlock()
		return
	}
	s.log.Info().Msg("ending call")

	cancel, coord, cam, worker := s.cancel, s.coord, s.camera, s.worker
	s.cancel, s.coord, s.camera, s.worker, s.relay, s.local = nil, nil, nil, nil, nil, nil
	s.state = SessionIdle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.relayWg.Wait()

	if coord != nil {
		err = coord.Close()
	}
	s.callWg.Wait()

	s.mu.Lock()
	reps := s.reps
	s.reps = nil
	s.mu.Unlock()
	for _, r := range reps {
		r.stop()
	}

	if worker != nil {
		worker.Stop()
	}
	if cam != nil {
		cam.Stop()
	}

	s.Publish()
	return
}
