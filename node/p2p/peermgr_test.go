package p2p

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T, role PeerRole) *Peer {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	cfg := DefaultPeerConfig(testMagic, testIdentity(), testLocal(0), VersionPayload{})
	return NewPeer(a, role, cfg, zerolog.Nop())
}

func TestAdmitEnforcesSubnetCaps(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()

	// Eclipse attempt: 5 connections from the same /24. Only 2 may land.
	accepted := 0
	for i := 1; i <= 5; i++ {
		err := pm.Admit(newTestPeer(t, PeerRoleInbound), fmt.Sprintf("10.0.0.%d", i), now)
		if err == nil {
			accepted++
		}
	}
	require.Equal(t, MaxPeersPerV24, accepted)
	v24, v16 := pm.SubnetDiversity()
	require.Equal(t, 1, v24)
	require.Equal(t, 1, v16)
}

func TestAdmitSameIPRejectedPastCaps(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()
	ip := "203.0.113.7"
	// Connections from one IP share its /24, so the /24 cap (2) binds
	// before the per-IP cap (3); the third same-IP connection must fail.
	require.NoError(t, pm.Admit(newTestPeer(t, PeerRoleInbound), ip, now))
	require.NoError(t, pm.Admit(newTestPeer(t, PeerRoleInbound), ip, now))
	require.Error(t, pm.Admit(newTestPeer(t, PeerRoleInbound), ip, now))
}

func TestAdmitV16Cap(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()
	// Four distinct /24s inside one /16 fill the /16 cap; a fifth fails.
	for i := 0; i < MaxPeersPerV16; i++ {
		ip := fmt.Sprintf("203.0.%d.1", i)
		require.NoError(t, pm.Admit(newTestPeer(t, PeerRoleInbound), ip, now))
	}
	require.Error(t, pm.Admit(newTestPeer(t, PeerRoleInbound), "203.0.99.1", now))
}

func TestRemoveCleansTablesImmediately(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()
	p := newTestPeer(t, PeerRoleInbound)
	require.NoError(t, pm.Admit(p, "192.0.2.1", now))
	require.Equal(t, 1, pm.Count())
	pm.Remove(p.ID)
	require.Equal(t, 0, pm.Count())
	v24, v16 := pm.SubnetDiversity()
	require.Zero(t, v24)
	require.Zero(t, v16)
	// The slot is reusable right away.
	require.NoError(t, pm.Admit(newTestPeer(t, PeerRoleInbound), "192.0.2.1", now))
}

func TestBanBlocksReadmission(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()
	p := newTestPeer(t, PeerRoleInbound)
	require.NoError(t, pm.Admit(p, "198.51.100.5", now))
	banned := pm.Ban("198.51.100.5", time.Hour, now)
	require.Len(t, banned, 1)
	pm.Remove(p.ID)

	err := pm.Admit(newTestPeer(t, PeerRoleInbound), "198.51.100.5", now.Add(time.Minute))
	require.Error(t, err)
	// After expiry the address is welcome again.
	require.NoError(t, pm.Admit(newTestPeer(t, PeerRoleInbound), "198.51.100.5", now.Add(2*time.Hour)))
}

func TestSelectOutboundFiltersAndPrefersFreshSubnets(t *testing.T) {
	pm := NewPeerManager(zerolog.Nop(), 64)
	now := time.Now()

	covered := newTestPeer(t, PeerRoleOutbound)
	require.NoError(t, pm.Admit(covered, "198.51.100.10", now))

	candidates := []DialableCandidate{
		{Address: "127.0.0.1", Port: 8335, Height: 100},    // loopback: excluded
		{Address: "10.0.0.1", Port: 8335, Height: 100},     // private: excluded
		{Address: "198.51.100.20", Port: 8335, Height: 50}, // covered /16
		{Address: "203.0.113.30", Port: 8335, Height: 10},  // fresh /16
	}
	got := pm.SelectOutbound(candidates, "192.0.2.99", now)
	require.Len(t, got, 2)
	require.Equal(t, "203.0.113.30", got[0].Address, "fresh /16 must rank first despite lower height")
	require.Equal(t, "198.51.100.20", got[1].Address)
}

func TestSubnetsOfIPv4(t *testing.T) {
	v24, v16 := SubnetsOf("10.20.30.40")
	require.Equal(t, "10.20.30", v24)
	require.Equal(t, "10.20", v16)
}
