package router

import (
	"context"
	"testing"

	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	return Options{
		Identity:   testIdentity(t),
		Transport:  &nullTransport{},
		NetDB:      emptyNetDB{},
		Peers:      staticPeers(peerHashes(8)),
		Caps:       capsMap{},
		LeaseSets:  newMemoryLeaseStore(),
		Registerer: prometheus.NewRegistry(),
	}
}

func newTestSubsystem(t *testing.T) *Subsystem {
	t.Helper()
	s, err := New(config.Defaults(), testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pool.Length = 0
	_, err := New(cfg, testOptions(t))
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNewRequiresCollaborators(t *testing.T) {
	opts := testOptions(t)
	opts.NetDB = nil
	_, err := New(config.Defaults(), opts)
	assert.Error(t, err)
}

func TestNewRejectsDuplicateMetrics(t *testing.T) {
	opts := testOptions(t)
	first, err := New(config.Defaults(), opts)
	require.NoError(t, err)
	defer first.Close()

	_, err = New(config.Defaults(), opts)
	assert.ErrorContains(t, err, "registering metrics")
}

func TestSubsystemLifecycle(t *testing.T) {
	s := newTestSubsystem(t)
	ctx := context.Background()

	assert.Error(t, s.Restart(ctx), "restart needs a running subsystem")

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
	assert.NoError(t, s.Restart(ctx))

	s.Stop()
	s.Stop()
	s.Wait()

	require.NoError(t, s.Start(ctx), "a stopped subsystem starts again")
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(ctx), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestSubsystemStopsWithContext(t *testing.T) {
	s := newTestSubsystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	s.Wait()
}

func TestSubsystemClients(t *testing.T) {
	s := newTestSubsystem(t)
	assert.Len(t, s.Inventory(), 2, "exploratory pools")

	owner := hashOf(0x42)
	require.NoError(t, s.AddClient(owner))
	assert.Error(t, s.AddClient(owner), "client already has pools")
	assert.Len(t, s.Inventory(), 4)

	assert.True(t, s.RemoveClient(owner))
	assert.False(t, s.RemoveClient(owner))
	assert.Len(t, s.Inventory(), 2)
}

func TestSubsystemCaps(t *testing.T) {
	s := newTestSubsystem(t)
	assert.Equal(t, "XR", s.Caps())

	s.Congestion().Force(config.CongestionFlagG)
	assert.Equal(t, "XRG", s.Caps())
	assert.True(t, s.Congestion().IsCongested())

	caps, err := config.ParseCaps(s.Caps())
	require.NoError(t, err)
	assert.Equal(t, config.BandwidthClassX, caps.Bandwidth)
}
