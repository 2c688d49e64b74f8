package peer_protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"
)

func TestExtensionBits(t *testing.T) {
	bits := NewPeerExtensionBytes(ExtensionBitLtep, ExtensionBitDht)
	qt.Assert(t, qt.IsTrue(bits.SupportsExtended()))
	qt.Assert(t, qt.IsTrue(bits.SupportsDHT()))
	qt.Assert(t, qt.Equals(bits, PeerExtensionBits{0, 0, 0, 0, 0, 0x10, 0, 1}))
	bits.SetBit(ExtensionBitLtep, false)
	qt.Assert(t, qt.IsFalse(bits.SupportsExtended()))
}

func TestHandshakeIncomingLearnsInfohash(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ih := metainfo.HashBytes([]byte("some info"))
	var initiatorID, receiverID [20]byte
	copy(initiatorID[:], "-TH0100-initiator000")
	copy(receiverID[:], "-TH0100-receiver0000")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		HandshakeResult
		error
	}
	initiated := make(chan result, 1)
	go func() {
		res, err := Handshake(ctx, a, &ih, initiatorID, NewPeerExtensionBytes(ExtensionBitLtep))
		initiated <- result{res, err}
	}()
	res, err := Handshake(ctx, b, nil, receiverID, PeerExtensionBits{})
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res.Hash, ih))
	qt.Assert(t, qt.Equals(res.PeerID, initiatorID))
	qt.Assert(t, qt.IsTrue(res.SupportsExtended()))
	other := <-initiated
	require.NoError(t, other.error)
	qt.Assert(t, qt.Equals(other.Hash, ih))
	qt.Assert(t, qt.Equals(other.PeerID, receiverID))
	qt.Assert(t, qt.IsFalse(other.SupportsExtended()))
}

func TestHandshakeBadProtocol(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		buf := make([]byte, 28)
		b.Read(buf)
		garbage := make([]byte, handshakeLen)
		copy(garbage, "\x13NotTorrent protocol")
		b.Write(garbage)
	}()
	ih := metainfo.HashBytes([]byte("x"))
	_, err := Handshake(context.Background(), a, &ih, [20]byte{}, PeerExtensionBits{})
	qt.Assert(t, qt.ErrorMatches(err, `unexpected protocol string .*`))
}

func TestHandshakeContextCancelled(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		// Swallow our writes but never reply.
		buf := make([]byte, 128)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ih := metainfo.HashBytes([]byte("x"))
	_, err := Handshake(ctx, a, &ih, [20]byte{}, PeerExtensionBits{})
	qt.Assert(t, qt.ErrorIs(err, context.DeadlineExceeded))
}
