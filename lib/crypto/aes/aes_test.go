package aes

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomLayer(t *testing.T) Layer {
	var l Layer
	_, err := rand.Read(l.Key[:])
	require.NoError(t, err)
	_, err = rand.Read(l.IV[:])
	require.NoError(t, err)
	return l
}

func TestLayerRoundTrip(t *testing.T) {
	l := randomLayer(t)
	buf := make([]byte, 528)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	orig := bytes.Clone(buf)

	require.NoError(t, l.Encrypt(buf))
	assert.NotEqual(t, orig, buf)
	require.NoError(t, l.Decrypt(buf))
	assert.Equal(t, orig, buf)
}

// Decrypting first and encrypting afterwards is also the identity, which is
// what pre-applying a later layer relies on.
func TestLayerInverseOrder(t *testing.T) {
	l := randomLayer(t)
	buf := make([]byte, 64)
	_, _ = rand.Read(buf)
	orig := bytes.Clone(buf)

	require.NoError(t, l.Decrypt(buf))
	require.NoError(t, l.Encrypt(buf))
	assert.Equal(t, orig, buf)
}

func TestLayerRejectsPartialBlocks(t *testing.T) {
	l := randomLayer(t)
	assert.Error(t, l.Encrypt(make([]byte, 17)))
	assert.Error(t, l.Decrypt(make([]byte, 1)))
}
