package defs

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type TrackRTPReader interface {
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is what the engine hands out when the peer starts sending.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	TrackRTPReader
	ID() string
	SSRC() webrtc.SSRC
}

type RTCPWriter interface {
	WriteRTCP([]rtcp.Packet) error
}
