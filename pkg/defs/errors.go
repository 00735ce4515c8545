package defs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCaptureUnavailable      = errors.New("capture unavailable")
	ErrConstraintUnsatisfiable = errors.New("constraint unsatisfiable")
	ErrDescriptionRejected     = errors.New("description rejected")
	ErrCandidateRejected       = errors.New("candidate rejected")
	ErrRelayAborted            = errors.New("relay aborted")

	// ErrProtocol marks calls made out of the negotiation order. It is a
	// programming error of the caller, not a runtime fault.
	ErrProtocol      = errors.New("protocol violation")
	ErrClosed        = errors.New("closed")
	ErrFrameReleased = errors.New("frame already released")
)

// PhaseError tells which endpoint failed, in which phase, with which kind.
type PhaseError struct {
	Kind     error
	Endpoint string
	Phase    string
	Err      error
}

func NewPhaseError(kind error, endpoint, phase string, err error) *PhaseError {
	return &PhaseError{Kind: kind, Endpoint: endpoint, Phase: phase, Err: err}
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Phase, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v: %v", e.Endpoint, e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func (e *PhaseError) Is(target error) bool { return target == e.Kind }

// Fatal reports whether err ends the current negotiation round.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrCandidateRejected)
}
