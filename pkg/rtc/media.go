package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264writer"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SinkFactory opens the renderers for a remote track.
type SinkFactory func(t defs.RemoteTrack) (map[string]pionmedia.Writer, error)

// Recorders writes every remote track into folder, one file per track.
func Recorders(folder string) SinkFactory {
	return func(t defs.RemoteTrack) (sinks map[string]pionmedia.Writer, err error) {
		if err = os.MkdirAll(folder, 0777); err != nil {
			return
		}
		stamp := time.Now().Format("20060102-150405")

		var w pionmedia.Writer
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			w, err = h264writer.New(filepath.Join(folder, fmt.Sprintf("%s-%s.h264", stamp, t.ID())))
		case webrtc.RTPCodecTypeAudio:
			w, err = oggwriter.New(filepath.Join(folder, fmt.Sprintf("%s-%s.ogg", stamp, t.ID())), 48000, 2)
		default:
			err = errors.Errorf("no recorder for %s", t.Kind())
		}
		if err != nil {
			return
		}
		sinks = map[string]pionmedia.Writer{"recorder": w}
		return
	}
}

// replicator copies the packets of one remote track to its sinks and keeps
// asking the sender for key frames.
type replicator struct {
	mu    sync.Mutex
	sinks map[string]pionmedia.Writer

	track  defs.RemoteTrack
	rtcp   defs.RTCPWriter
	pli    time.Duration
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	frames int64

	log zerolog.Logger
}

func newReplicator(a Arrival, sinks map[string]pionmedia.Writer, pli time.Duration) (r *replicator) {
	r = &replicator{
		sinks: sinks,
		track: a.Track,
		rtcp:  a.RTCP,
		pli:   pli,
		done:  make(chan struct{}),
		log:   log.With().Str("pc", a.Endpoint).Str("kind", a.Track.Kind().String()).Logger(),
	}
	if r.sinks == nil {
		r.sinks = make(map[string]pionmedia.Writer)
	}
	return
}

func (r *replicator) start() {
	r.wg.Add(1)
	go r.run()

	if r.track.Kind() == webrtc.RTPCodecTypeVideo && r.rtcp != nil && r.pli > 0 {
		r.wg.Add(1)
		go r.keyframes()
	}
}

func (r *replicator) run() {
	defer r.wg.Done()

	for {
		p, _, err := r.track.ReadRTP()
		if err != nil {
			r.log.Debug().Err(err).Msg("track read")
			return
		}
		r.write(p)
	}
}

func (r *replicator) write(p *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames++
	toDel := make([]string, 0)
	for id, dest := range r.sinks {
		if err := dest.WriteRTP(p); err != nil {
			r.log.Warn().Err(err).Str("sink", id).Msg("writeRtp() failed")
			toDel = append(toDel, id)
		}
	}

	for _, id := range toDel {
		r.sinks[id].Close()
		delete(r.sinks, id)
	}
}

func (r *replicator) keyframes() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pli)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.rtcp.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(r.track.SSRC())}}); err != nil {
				r.log.Debug().Err(err).Msg("failed to write rtcp")
				return
			}
		}
	}
}

// stop waits for the read loop, which ends once the transport is closed,
// and closes the sinks.
func (r *replicator) stop() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		defer r.mu.Unlock()
		for id, s := range r.sinks {
			if err := s.Close(); err != nil {
				r.log.Warn().Err(err).Str("sink", id).Msg("close")
			}
		}
		r.sinks = map[string]pionmedia.Writer{}
		r.log.Info().Int64("packets", r.frames).Msg("remote track finished")
	})
}
