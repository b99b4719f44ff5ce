package i2np

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)

var (
	identitiesOnce sync.Once
	identities     []Identity
	identitiesErr  error
)

// testIdentities returns n routers with fresh keys, shared across tests.
func testIdentities(t *testing.T, n int) []Identity {
	t.Helper()
	identitiesOnce.Do(func() {
		for i := 0; i < tunnel.MaxHops; i++ {
			h := common.Hash(sha256.Sum256([]byte(fmt.Sprintf("router-%d", i))))
			id, err := NewIdentity(h)
			if err != nil {
				identitiesErr = err
				return
			}
			identities = append(identities, id)
		}
	})
	require.NoError(t, identitiesErr)
	require.LessOrEqual(t, n, len(identities))
	return identities[:n]
}

// testPlan builds a plan over routers, routers[0] being the local router.
func testPlan(t *testing.T, dir tunnel.Direction, routers []Identity) *tunnel.CircuitPlan {
	t.Helper()
	self := routers[0]
	order := append([]Identity(nil), routers[1:]...)
	if dir == tunnel.Inbound {
		order = append(order, self)
	} else {
		order = append([]Identity{self}, order...)
	}

	plan := &tunnel.CircuitPlan{
		Hops:        make([]tunnel.Hop, len(order)),
		Direction:   dir,
		CreatedAt:   testNow,
		Expiration:  testNow.Add(10 * time.Minute),
		RecordCount: tunnel.RecordCountFor(len(order)),
	}
	for i := range plan.Hops {
		h := &plan.Hops[i]
		h.Peer = order[i].Hash
		h.ReceiveID = tunnel.TunnelID(1000 + i)
		h.SendMessageID = uint32(5000 + i)
		h.Bandwidth = tunnel.BandwidthHint{RequestedKBps: 64, MinKBps: 16, MaxKBps: 256}
		for _, k := range [][]byte{h.LayerKey[:], h.IVKey[:], h.ReplyKey[:], h.ReplyIV[:]} {
			_, err := rand.Read(k)
			require.NoError(t, err)
		}
	}
	for i := 0; i < len(plan.Hops)-1; i++ {
		plan.Hops[i].SendID = plan.Hops[i+1].ReceiveID
		plan.Hops[i].NextPeer = plan.Hops[i+1].Peer
	}
	if dir == tunnel.Outbound {
		last := &plan.Hops[len(plan.Hops)-1]
		plan.ReplyGateway, plan.ReplyTunnel = self.Hash, 77
		last.NextPeer, last.SendID = self.Hash, 77
	}
	plan.SetReplyMessageID(4242)
	return plan
}

func peerKeys(plan *tunnel.CircuitPlan, routers []Identity) []PeerKeys {
	byHash := make(map[common.Hash]PeerKeys, len(routers))
	for _, r := range routers {
		byHash[r.Hash] = r.Keys()
	}
	keys := make([]PeerKeys, plan.Length())
	for i, h := range plan.Hops {
		keys[i] = byHash[h.Peer]
	}
	return keys
}

func identityOf(routers []Identity, h common.Hash) Identity {
	for _, r := range routers {
		if r.Hash == h {
			return r
		}
	}
	return Identity{}
}

// processAtHop runs one hop's side of a build request on the wire bytes.
func processAtHop(t *testing.T, codec RecordCodec, wire []byte, us Identity, status byte) ([]byte, *HopInstruction) {
	t.Helper()
	msg, err := ReadBuildMessage(wire)
	require.NoError(t, err)

	res := codec.DecryptOwnRecord(msg, us)
	m, ok := res.(Matched)
	require.True(t, ok, "expected a match, got %#v", res)
	require.NoError(t, codec.ReencryptSiblings(msg, m.Slot, m.Instruction))
	require.NoError(t, codec.EncodeReplyRecord(msg, m.Slot, m.Instruction, status))

	out, err := msg.MarshalBinary()
	require.NoError(t, err)
	return out, m.Instruction
}

// buildThrough generates a request for plan and passes it through every
// remote hop, returning the reply as the originator receives it.
func buildThrough(t *testing.T, codec RecordCodec, plan *tunnel.CircuitPlan, routers []Identity, statuses map[int]byte) *BuildMessage {
	t.Helper()
	msg, err := GenerateBuildMessage(plan, peerKeys(plan, routers), codec, testNow)
	require.NoError(t, err)
	wire, err := msg.MarshalBinary()
	require.NoError(t, err)

	for _, hop := range processingOrder(plan) {
		var instr *HopInstruction
		wire, instr = processAtHop(t, codec, wire, identityOf(routers, plan.Hops[hop].Peer), statuses[hop])
		require.Equal(t, plan.Hops[hop].ReceiveID, instr.ReceiveTunnel)
		require.Equal(t, plan.Hops[hop].SendID, instr.NextTunnel)
		require.Equal(t, plan.Hops[hop].NextPeer, instr.NextIdent)
		require.Equal(t, plan.Hops[hop].SendMessageID, instr.SendMessageID)
	}

	reply, err := ReadBuildMessage(wire)
	require.NoError(t, err)
	return reply
}
