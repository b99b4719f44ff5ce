package build

import (
	"errors"
	"fmt"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// Kind classifies build pipeline failures.
type Kind uint8

const (
	// KindDecodeFailure covers records we could not find, decrypt or parse.
	KindDecodeFailure Kind = iota + 1
	// KindProtocolViolation covers requests that break the protocol; the
	// sender is banned.
	KindProtocolViolation
	// KindAdmissionRejected covers requests answered with a reject code.
	KindAdmissionRejected
	// KindThrottleDrop covers requests discarded without a response.
	KindThrottleDrop
	// KindBuildTimeout covers attempts whose reply never arrived.
	KindBuildTimeout
	// KindSchedulerSaturation covers work refused because a queue is full.
	KindSchedulerSaturation
)

func (k Kind) String() string {
	switch k {
	case KindDecodeFailure:
		return "decode_failure"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindAdmissionRejected:
		return "admission_rejected"
	case KindThrottleDrop:
		return "throttle_drop"
	case KindBuildTimeout:
		return "build_timeout"
	case KindSchedulerSaturation:
		return "scheduler_saturation"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	// ErrNotRunning is returned when work is handed to a stopped component.
	ErrNotRunning = errors.New("build: not running")
	// ErrIDSpaceExhausted is returned when no free reply id could be drawn.
	ErrIDSpaceExhausted = errors.New("build: could not draw a free reply message id")
	// ErrBannedSender is the cause of requests dropped because the previous
	// hop is banned.
	ErrBannedSender = errors.New("build: sender is banned")
)

// Error carries the classification of a failure along with its cause.
type Error struct {
	Kind Kind
	// Peer is the router the failure is attributed to, if any.
	Peer common.Hash
	// Code is the reply code sent back for KindAdmissionRejected.
	Code byte
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Peer != (common.Hash{}) {
		msg += " from " + tunnel.ShortHash(e.Peer)
	}
	if e.Kind == KindAdmissionRejected {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, peer common.Hash, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Err: err}
}

func rejected(peer common.Hash, code byte, reason string) *Error {
	return &Error{Kind: KindAdmissionRejected, Peer: peer, Code: code, Err: errors.New(reason)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}
