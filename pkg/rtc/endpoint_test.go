package rtc

import (
	"context"
	"testing"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	offer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}
	answer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}
)

func candidate(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func TestEndpointQueuesEarlyCandidates(t *testing.T) {
	ctx := context.Background()
	tr := newFake("pc2")
	e := NewEndpoint("pc2", Callee, tr, nil)

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, e.AddICECandidate(ctx, candidate(c)))
	}
	require.NoError(t, e.AddICECandidate(ctx, nil))
	assert.Equal(t, 4, e.Pending())
	assert.Empty(t, tr.Added())

	require.NoError(t, e.SetRemoteDescription(ctx, offer))
	assert.Equal(t, RemoteDescriptionSet, e.State())
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, []string{"c1", "c2", "c3"}, tr.Added())
	assert.Len(t, e.Applied(), 3)
	assert.True(t, e.EndOfCandidates())

	desc, err := e.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SetLocalDescription(ctx, desc))
	assert.Equal(t, Stable, e.State())

	select {
	case <-e.Stable():
	default:
		t.Fatal("stable not signalled")
	}

	require.NoError(t, e.AddICECandidate(ctx, candidate("c4")))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, tr.Added())
}

func TestEndpointOrdering(t *testing.T) {
	ctx := context.Background()

	caller := NewEndpoint("pc1", Caller, newFake("pc1"), nil)
	callee := NewEndpoint("pc2", Callee, newFake("pc2"), nil)

	_, err := caller.CreateAnswer(ctx)
	assert.ErrorIs(t, err, defs.ErrProtocol)
	_, err = callee.CreateOffer(ctx)
	assert.ErrorIs(t, err, defs.ErrProtocol)
	_, err = callee.CreateAnswer(ctx)
	assert.ErrorIs(t, err, defs.ErrProtocol, "no answer before the offer")

	assert.ErrorIs(t, caller.SetRemoteDescription(ctx, answer), defs.ErrProtocol, "answer before the offer")
	assert.ErrorIs(t, callee.SetLocalDescription(ctx, answer), defs.ErrProtocol)
	assert.ErrorIs(t, caller.SetLocalDescription(ctx, answer), defs.ErrProtocol, "caller sets an offer")

	require.NoError(t, caller.SetLocalDescription(ctx, offer))
	err = caller.SetLocalDescription(ctx, offer)
	assert.ErrorIs(t, err, defs.ErrProtocol, "local description set twice")
	var pe *defs.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "pc1", pe.Endpoint)
	assert.Equal(t, "setLocalDescription", pe.Phase)

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	assert.ErrorIs(t, callee.SetRemoteDescription(ctx, offer), defs.ErrProtocol, "remote description set twice")

	assert.Equal(t, LocalDescriptionSet, caller.State())
	assert.Equal(t, RemoteDescriptionSet, callee.State())
}

func TestEndpointDescriptionRejected(t *testing.T) {
	ctx := context.Background()
	tr := newFake("pc2")
	tr.rejectRemote = errors.New("unsupported codec")
	e := NewEndpoint("pc2", Callee, tr, nil)

	err := e.SetRemoteDescription(ctx, offer)
	assert.ErrorIs(t, err, defs.ErrDescriptionRejected)
	assert.True(t, defs.Fatal(err))

	var pe *defs.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "pc2", pe.Endpoint)
	assert.Equal(t, "setRemoteDescription", pe.Phase)
	assert.Equal(t, Idle, e.State())
}

func TestEndpointCandidateRejected(t *testing.T) {
	ctx := context.Background()
	reported := &errorLog{}
	tr := newFake("pc2")
	tr.rejectCandidate = "bad"
	e := NewEndpoint("pc2", Callee, tr, reported.add)

	require.NoError(t, e.AddICECandidate(ctx, candidate("bad")))
	require.NoError(t, e.AddICECandidate(ctx, candidate("good")))
	require.NoError(t, e.SetRemoteDescription(ctx, offer))

	require.Len(t, reported.all(), 1)
	assert.ErrorIs(t, reported.all()[0], defs.ErrCandidateRejected)
	assert.Equal(t, []string{"good"}, tr.Added())

	err := e.AddICECandidate(ctx, candidate("bad"))
	assert.ErrorIs(t, err, defs.ErrCandidateRejected)
	assert.False(t, defs.Fatal(err))
	assert.Equal(t, RemoteDescriptionSet, e.State())
}

func TestEndpointClose(t *testing.T) {
	ctx := context.Background()
	tr := newFake("pc1")
	e := NewEndpoint("pc1", Caller, tr, nil)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, tr.Closed())
	assert.Equal(t, Closed, e.State())

	select {
	case <-e.Done():
	default:
		t.Fatal("done not signalled")
	}
	assert.ErrorIs(t, e.AddICECandidate(ctx, candidate("c1")), defs.ErrClosed)
	assert.ErrorIs(t, e.SetLocalDescription(ctx, offer), defs.ErrClosed)
}

func TestRole(t *testing.T) {
	assert.Equal(t, Callee, Caller.Peer())
	assert.Equal(t, Caller, Callee.Peer())
	assert.Equal(t, "caller", Caller.String())
	assert.Equal(t, "have-remote", RemoteDescriptionSet.String())
}
