package peer_protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/torrent-handler/internal/ctxrw"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
const (
	ExtensionBitDht  ExtensionBit = 0  // BEP 5
	ExtensionBitFast ExtensionBit = 2  // BEP 6
	ExtensionBitLtep ExtensionBit = 20 // BEP 10
)

type PeerExtensionBits [8]byte

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) String() string {
	var tags []string
	for _, bt := range []struct {
		bit ExtensionBit
		tag string
	}{
		{ExtensionBitLtep, "ltep"},
		{ExtensionBitFast, "fast"},
		{ExtensionBitDht, "dht"},
	} {
		if pex.GetBit(bt.bit) {
			tags = append(tags, bt.tag)
		}
	}
	return fmt.Sprintf("%v (%s)", hex.EncodeToString(pex[:]), strings.Join(tags, ", "))
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

type HandshakeResult struct {
	PeerExtensionBits
	PeerID [20]byte
	metainfo.Hash
}

const handshakeLen = len(Protocol) + 8 + 20 + 20

// ih is nil if we expect the peer to declare the infohash, such as when the peer initiated the
// connection. The caller is responsible for checking the returned hash against any it expects.
func Handshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih *metainfo.Hash,
	peerID [20]byte,
	extensions PeerExtensionBits,
) (
	res HandshakeResult, err error,
) {
	sock = ctxrw.WrapReadWriter(ctx, sock)
	// Writes happen on their own goroutine so that synchronous transports can't deadlock with
	// the peer writing its own handshake.
	postCh := make(chan []byte, 4)
	writeDone := make(chan error, 1)
	go func() {
		var err error
		for b := range postCh {
			if err == nil {
				_, err = sock.Write(b)
			}
		}
		writeDone <- err
	}()
	defer func() {
		close(postCh)
		if err != nil {
			return
		}
		// Wait until writes complete before returning from handshake.
		err = <-writeDone
		if err != nil {
			err = fmt.Errorf("writing handshake: %w", err)
		}
	}()
	// There are at most four posts, so these never block.
	post := func(bb ...[]byte) {
		for _, b := range bb {
			postCh <- b
		}
	}
	post([]byte(Protocol), extensions[:])
	if ih != nil {
		post(ih[:], peerID[:])
	}
	b := make([]byte, handshakeLen)
	_, err = io.ReadFull(sock, b)
	if err != nil {
		return res, fmt.Errorf("while reading: %w", err)
	}
	p := b[:len(Protocol)]
	if string(p) != Protocol {
		return res, fmt.Errorf("unexpected protocol string %q", string(p))
	}
	b = b[len(p):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.Hash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)
	if ih == nil {
		post(res.Hash[:], peerID[:])
	}
	return
}
