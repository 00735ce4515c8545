package rtc

import (
	"context"
	"sync"

	"github.com/dmisol/loopback-call/pkg/codec"
	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 64

// NewAPI builds the engine shared by every peer connection of the process.
func NewAPI(lf logging.LoggerFactory) (api *webrtc.API, err error) {
	m := &webrtc.MediaEngine{}

	if err = m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, Channels: 0, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: nil},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		err = errors.Wrap(err, "register video")
		return
	}
	if err = m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "", RTCPFeedback: nil},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		err = errors.Wrap(err, "register audio")
		return
	}

	ir := &interceptor.Registry{}
	if err = webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		err = errors.Wrap(err, "interceptors")
		return
	}

	se := webrtc.SettingEngine{}
	if lf != nil {
		se.LoggerFactory = lf
	}

	api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return
}

// PionFactory returns a TransportFactory creating peer connections on api.
func PionFactory(api *webrtc.API, c *defs.RtcConf) TransportFactory {
	return func(name string) (Transport, error) {
		return NewPionTransport(api, c, name)
	}
}

// PionTransport is a Transport backed by a pion peer connection. Its
// callbacks are turned into events on a channel.
type PionTransport struct {
	name string
	pc   *webrtc.PeerConnection
	conf *defs.RtcConf

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	kinds     map[webrtc.RTPCodecType]bool
	detach    []func()
	encoders  []*codec.Encoder
	closeOnce sync.Once

	log zerolog.Logger
}

func NewPionTransport(api *webrtc.API, c *defs.RtcConf, name string) (t *PionTransport, err error) {
	cfg := webrtc.Configuration{SDPSemantics: webrtc.SDPSemanticsUnifiedPlan}
	if len(c.IceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.IceServers}}
	}
	log.Info().Str("pc", name).Int("iceServers", len(c.IceServers)).Msg("RTCPeerConnection configuration")

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "%s peerconn", name)
	}

	t = &PionTransport{
		name:   name,
		pc:     pc,
		conf:   c,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		kinds:  make(map[webrtc.RTPCodecType]bool),
		log:    log.With().Str("pc", name).Logger(),
	}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			t.emit(Event{Type: EventGathered})
			return
		}
		init := ic.ToJSON()
		t.emit(Event{Type: EventCandidate, Candidate: &init})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.emit(Event{Type: EventTrack, Track: remote})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.emit(Event{Type: EventICEState, ICEState: s})
	})
	t.log.Debug().Msg("created peer connection object")
	return
}

func (t *PionTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *PionTransport) Events() <-chan Event { return t.events }

func (t *PionTransport) PeerConnection() *webrtc.PeerConnection { return t.pc }

// CreateOffer asks to receive audio and video even when nothing of that
// kind is sent, like offerToReceiveAudio/Video.
func (t *PionTransport) CreateOffer(ctx context.Context) (desc webrtc.SessionDescription, err error) {
	t.mu.Lock()
	want := map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: t.conf.OfferAudio && !t.kinds[webrtc.RTPCodecTypeAudio],
		webrtc.RTPCodecTypeVideo: t.conf.OfferVideo && !t.kinds[webrtc.RTPCodecTypeVideo],
	}
	t.mu.Unlock()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if !want[kind] {
			continue
		}
		if _, err = t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			err = errors.Wrapf(err, "recvonly %s", kind)
			return
		}
		t.mu.Lock()
		t.kinds[kind] = true
		t.mu.Unlock()
	}
	return t.pc.CreateOffer(nil)
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *PionTransport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *PionTransport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *PionTransport) AddICECandidate(ctx context.Context, c *webrtc.ICECandidateInit) error {
	if c == nil {
		return t.pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	return t.pc.AddICECandidate(*c)
}

// AddTrack offers a local video track, H.264 encoded from its frames.
func (t *PionTransport) AddTrack(src LocalTrack) (err error) {
	if src.Kind() != media.KindVideo {
		return errors.Errorf("%s: %s tracks are not supported", t.name, src.Kind())
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", src.ID())
	if err != nil {
		return errors.Wrap(err, "video track")
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, "video track add")
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	enc, err := codec.NewEncoder(src.Settings(), track)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.kinds[webrtc.RTPCodecTypeVideo] = true
	t.encoders = append(t.encoders, enc)
	t.detach = append(t.detach, src.Attach(t.name, enc))
	t.log.Info().Str("label", src.Label()).Msg("using video device")
	return
}

func (t *PionTransport) WriteRTCP(pkts []rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

func (t *PionTransport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		for _, d := range t.detach {
			d()
		}
		for _, e := range t.encoders {
			e.Close()
		}
		t.mu.Unlock()

		err = t.pc.Close()
	})
	return
}
