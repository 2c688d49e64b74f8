package swarm

import (
	"net"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-handler/internal/testutil"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
	"github.com/anacrolix/torrent-handler/storage"
)

// Registers a connection that isn't running. Messages sent to it are only buffered.
func addFakeConn(t *testing.T, s *Swarm, n byte) *PeerConn {
	nc, other := net.Pipe()
	t.Cleanup(func() {
		nc.Close()
		other.Close()
	})
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, n}), 6881)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.addConnLocked(nc, addr, pp.HandshakeResult{
		PeerID: [20]byte{n},
		Hash:   s.md.InfoHash,
	}, true)
	require.NoError(t, err)
	return c
}

// Gives the peer the pieces and lets us request from it, without scheduling.
func unchokeWithPieces(s *Swarm, c *PeerConn, pieces ...int) {
	for _, i := range pieces {
		c.peerPieces.Add(uint32(i))
		s.availability[i]++
		s.updatePieceLocked(i)
	}
	c.amInterested = true
	c.peerChoking = false
}

func requestedBlocks(c *PeerConn) (ret []blockKey) {
	for key := range c.requests {
		ret = append(ret, key)
	}
	slices.SortFunc(ret, func(a, b blockKey) int {
		if a.piece != b.piece {
			return a.piece - b.piece
		}
		return int(a.begin - b.begin)
	})
	return
}

// Four pieces of a single block each.
func fourPieces() testutil.Torrent {
	return testutil.Torrent{
		Name:  "four",
		Files: []testutil.File{{Data: testutil.RandomData(4, 4*storage.BlockSize)}},
	}
}

func TestRarestPieceFirst(t *testing.T) {
	st := openTestStore(t, fourPieces(), storage.BlockSize, storage.Opts{})
	cfg := testConfig()
	cfg.MaxRequestsPerPeer = 1
	s := newTestSwarm(t, st, cfg, Opts{})
	a := addFakeConn(t, s, 1)
	b := addFakeConn(t, s, 2)
	c := addFakeConn(t, s, 3)
	s.mu.Lock()
	defer s.mu.Unlock()
	// Availability: piece 0 is on 3 peers, 1 on 2, 2 on 1 and 3 on 2.
	unchokeWithPieces(s, a, 0, 1, 2, 3)
	unchokeWithPieces(s, b, 0, 1)
	unchokeWithPieces(s, c, 0, 3)
	s.scheduleLocked()
	assert.Equal(t, []blockKey{{2, 0}}, requestedBlocks(a))
	// Piece 1 and 3 tie on availability, so index decides.
	assert.Equal(t, []blockKey{{1, 0}}, requestedBlocks(b))
	assert.Equal(t, []blockKey{{3, 0}}, requestedBlocks(c))
}

func TestPartialPiecesBreakTies(t *testing.T) {
	st := openTestStore(t, fourPieces(), storage.BlockSize, storage.Opts{})
	s := newTestSwarm(t, st, testConfig(), Opts{})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieceRequests[3]++
	s.updatePieceLocked(3)
	var order []int
	s.order.Scan(func(index int, _ pieceOrderState) bool {
		order = append(order, index)
		return true
	})
	qt.Assert(t, qt.DeepEquals(order, []int{3, 0, 1, 2}))
}

func TestBlocksAreSpreadRoundRobin(t *testing.T) {
	// One piece of four blocks.
	tor := testutil.Torrent{
		Name:  "one",
		Files: []testutil.File{{Data: testutil.RandomData(5, 4*storage.BlockSize)}},
	}
	st := openTestStore(t, tor, 4*storage.BlockSize, storage.Opts{})
	s := newTestSwarm(t, st, testConfig(), Opts{})
	a := addFakeConn(t, s, 1)
	b := addFakeConn(t, s, 2)
	s.mu.Lock()
	defer s.mu.Unlock()
	unchokeWithPieces(s, a, 0)
	unchokeWithPieces(s, b, 0)
	s.scheduleLocked()
	assert.Equal(t, []blockKey{{0, 0}, {0, 2 * storage.BlockSize}}, requestedBlocks(a))
	assert.Equal(t, []blockKey{{0, storage.BlockSize}, {0, 3 * storage.BlockSize}}, requestedBlocks(b))
	// The pieces of a dropped peer go to the ones that remain.
	s.dropConnLocked(a)
	qt.Assert(t, qt.HasLen(requestedBlocks(b), 4))
	qt.Assert(t, qt.Equals(s.availability[0], 1))
	qt.Assert(t, qt.HasLen(s.outstanding, 4))
}

func TestReqqLimitsRequests(t *testing.T) {
	st := openTestStore(t, fourPieces(), storage.BlockSize, storage.Opts{})
	s := newTestSwarm(t, st, testConfig(), Opts{})
	a := addFakeConn(t, s, 1)
	hs, err := pp.ExtendedHandshakeMessage{Reqq: 2}.Marshal()
	require.NoError(t, err)
	require.NoError(t, a.onExtended(pp.MakeExtendedMessage(pp.HandshakeExtendedID, hs)))
	s.mu.Lock()
	defer s.mu.Unlock()
	qt.Assert(t, qt.Equals(a.maxRequests, 2))
	unchokeWithPieces(s, a, 0, 1, 2, 3)
	s.scheduleLocked()
	assert.Equal(t, []blockKey{{0, 0}, {1, 0}}, requestedBlocks(a))
}

func TestChokeReturnsRequests(t *testing.T) {
	st := openTestStore(t, fourPieces(), storage.BlockSize, storage.Opts{})
	s := newTestSwarm(t, st, testConfig(), Opts{})
	a := addFakeConn(t, s, 1)
	s.mu.Lock()
	unchokeWithPieces(s, a, 0, 1)
	s.scheduleLocked()
	qt.Assert(t, qt.HasLen(a.requests, 2))
	s.mu.Unlock()
	require.NoError(t, a.onMessage(pp.Message{Type: pp.Choke}))
	s.mu.Lock()
	defer s.mu.Unlock()
	qt.Assert(t, qt.HasLen(a.requests, 0))
	qt.Assert(t, qt.HasLen(s.outstanding, 0))
	qt.Assert(t, qt.DeepEquals(s.pieceRequests, []int{0, 0, 0, 0}))
	// Data already on its way is still welcome.
	qt.Assert(t, qt.HasLen(a.cancelled, 2))
}

func TestStaleRequestsAreReaped(t *testing.T) {
	st := openTestStore(t, fourPieces(), storage.BlockSize, storage.Opts{})
	cfg := testConfig()
	cfg.RequestTimeout = 1
	cfg.MaxRequestsPerPeer = 1
	s := newTestSwarm(t, st, cfg, Opts{})
	a := addFakeConn(t, s, 1)
	b := addFakeConn(t, s, 2)
	s.mu.Lock()
	defer s.mu.Unlock()
	unchokeWithPieces(s, a, 0)
	s.scheduleLocked()
	assert.Equal(t, []blockKey{{0, 0}}, requestedBlocks(a))
	unchokeWithPieces(s, b, 0)
	s.reapStaleRequestsLocked()
	s.scheduleLocked()
	// The block is free again, and whoever takes it first gets it.
	qt.Assert(t, qt.HasLen(s.outstanding, 1))
	_, cancelled := a.cancelled[blockKey{0, 0}]
	qt.Assert(t, qt.IsTrue(cancelled))
	qt.Assert(t, qt.IsTrue(strings.Contains(a.writer.writeBuffer.String(), string(
		pp.MakeCancelMessage(0, 0, storage.BlockSize).MustMarshalBinary()))))
}

func TestCandidateOrder(t *testing.T) {
	p := newCandidatePool()
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("1.1.1.1:1"),
		netip.MustParseAddrPort("2.2.2.2:2"),
		netip.MustParseAddrPort("3.3.3.3:3"),
	}
	qt.Assert(t, qt.IsTrue(p.Add(candidate{addr: addrs[0], attempts: 1})))
	qt.Assert(t, qt.IsTrue(p.Add(candidate{addr: addrs[1]})))
	qt.Assert(t, qt.IsTrue(p.Add(candidate{addr: addrs[2]})))
	qt.Assert(t, qt.IsFalse(p.Add(candidate{addr: addrs[2]})))
	qt.Assert(t, qt.Equals(p.Len(), 3))
	p.Delete(addrs[2])
	first, ok := p.PopMin()
	qt.Assert(t, qt.IsTrue(ok))
	// Addresses that failed before come last.
	qt.Assert(t, qt.Equals(first.addr, addrs[1]))
	second, _ := p.PopMin()
	qt.Assert(t, qt.Equals(second.addr, addrs[0]))
	_, ok = p.PopMin()
	qt.Assert(t, qt.IsFalse(ok))
}
