package rtc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// fakeTransport plays the engine: it emits scripted candidates once the
// local description is set and records what it was told.
type fakeTransport struct {
	name       string
	candidates []string
	late       bool // candidates trickle in after SetLocalDescription returns
	track      bool // a remote video track shows up with the remote description

	rejectLocal     error
	rejectRemote    error
	rejectCandidate string

	mu      sync.Mutex
	added   []string
	gotEnd  bool
	closed  int
	rtcp    int
	writers []*frameCounter
	detach  []func()

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFake(name string, candidates ...string) *fakeTransport {
	return &fakeTransport{
		name:       name,
		candidates: candidates,
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
}

func (t *fakeTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *fakeTransport) gather() {
	for _, c := range t.candidates {
		t.emit(Event{Type: EventCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}})
	}
	t.emit(Event{Type: EventGathered})
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + t.name}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + t.name}, nil
}

func (t *fakeTransport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if t.rejectLocal != nil {
		return t.rejectLocal
	}
	if t.late {
		go func() {
			time.Sleep(20 * time.Millisecond)
			t.gather()
		}()
		return nil
	}
	t.gather()
	return nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if t.rejectRemote != nil {
		return t.rejectRemote
	}
	if t.track {
		t.emit(Event{Type: EventTrack, Track: newFakeRemote(t.done)})
	}
	return nil
}

func (t *fakeTransport) AddICECandidate(ctx context.Context, c *webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c == nil {
		t.gotEnd = true
		return nil
	}
	if c.Candidate == t.rejectCandidate {
		return errors.Errorf("malformed candidate %q", c.Candidate)
	}
	t.added = append(t.added, c.Candidate)
	return nil
}

func (t *fakeTransport) AddTrack(src LocalTrack) error {
	w := &frameCounter{}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writers = append(t.writers, w)
	t.detach = append(t.detach, src.Attach(t.name, w))
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) WriteRTCP(pkts []rtcp.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtcp += len(pkts)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		for _, d := range t.detach {
			d()
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *fakeTransport) Added() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.added...)
}

func (t *fakeTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) RTCP() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtcp
}

func (t *fakeTransport) Frames() (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.writers {
		n += w.count()
	}
	return
}

type frameCounter struct {
	mu sync.Mutex
	n  int
}

func (w *frameCounter) WriteFrame(f *media.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f.Released() {
		return errors.New("released frame")
	}
	w.n++
	return nil
}

func (w *frameCounter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// fakeRemote yields one packet, then blocks until its transport closes.
type fakeRemote struct {
	id   string
	sent bool
	done chan struct{}
}

var remotes int32

func newFakeRemote(done chan struct{}) *fakeRemote {
	n := atomic.AddInt32(&remotes, 1)
	return &fakeRemote{id: fmt.Sprintf("remote-%d", n), done: done}
}

func (r *fakeRemote) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
func (r *fakeRemote) ID() string                { return r.id }
func (r *fakeRemote) SSRC() webrtc.SSRC         { return 1234 }

func (r *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if !r.sent {
		r.sent = true
		return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: 1234}, Payload: []byte{0x65, 0x88}}, nil, nil
	}
	<-r.done
	return nil, nil, io.EOF
}

// rtpSink is a pion media.Writer keeping count of the packets.
type rtpSink struct {
	mu      sync.Mutex
	packets int
	closed  bool
}

func (s *rtpSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.packets++
	return nil
}

func (s *rtpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *rtpSink) state() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.closed
}

// errorLog collects what a coordinator or session reports.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}
