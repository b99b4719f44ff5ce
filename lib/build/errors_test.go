package build

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	peer := [32]byte{1, 2, 3}
	err := fmt.Errorf("handling: %w", rejected(peer, tunnel.BuildReplyCodeBandwidth, "congested"))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindAdmissionRejected, kind)
	assert.Contains(t, err.Error(), "code 30")
	assert.Contains(t, err.Error(), "congested")

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindDecodeFailure, [32]byte{}, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "decode_failure: boom", err.Error())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, RejectProbabilistic, CategoryFor(tunnel.BuildReplyCodeProbabilisticReject))
	assert.Equal(t, RejectTransient, CategoryFor(tunnel.BuildReplyCodeTransientOverload))
	assert.Equal(t, RejectBandwidth, CategoryFor(tunnel.BuildReplyCodeBandwidth))
	assert.Equal(t, RejectCritical, CategoryFor(tunnel.BuildReplyCodeCritical))
	assert.Equal(t, RejectCritical, CategoryFor(0x77))
}
