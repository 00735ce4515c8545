package rtc

import (
	"context"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/pion/webrtc/v3"
)

type EventType int

const (
	EventCandidate EventType = iota // Candidate set
	EventGathered                   // end of candidates
	EventTrack                      // Track set
	EventICEState                   // ICEState set
)

func (t EventType) String() string {
	switch t {
	case EventCandidate:
		return "candidate"
	case EventGathered:
		return "gathered"
	case EventTrack:
		return "track"
	case EventICEState:
		return "ice-state"
	}
	return "unknown"
}

type Event struct {
	Type      EventType
	Candidate *webrtc.ICECandidateInit
	Track     defs.RemoteTrack
	ICEState  webrtc.ICEConnectionState
}

// LocalTrack is a frame producer that can be offered to the peer.
type LocalTrack interface {
	ID() string
	Kind() media.Kind
	Label() string
	Settings() media.Settings
	Attach(id string, w media.FrameWriter) (detach func())
}

// Transport is one side of the real-time engine. The Endpoint only shapes
// the order of calls into it; connectivity and media transport are its own.
// Events are delivered on a channel that stays open until Close.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate, nil meaning end-of-candidates.
	AddICECandidate(ctx context.Context, c *webrtc.ICECandidateInit) error
	AddTrack(t LocalTrack) error
	Events() <-chan Event

	defs.RTCPWriter
	Close() error
}

// TransportFactory builds the engine side of a named endpoint.
type TransportFactory func(name string) (Transport, error)
