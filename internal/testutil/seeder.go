package testutil

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	pp "github.com/anacrolix/torrent-handler/peer_protocol"
)

// The ut_metadata ID seeders advertise. Deliberately different from the client's.
const seederMetadataID = 3

var seederCount atomic.Int64

// A minimal peer on loopback that serves pieces and metadata of a test torrent.
type Seeder struct {
	Torrent     Torrent
	PieceLength int64
	// Pieces advertised and served. Nil means all of them.
	Pieces []int
	// Serve blocks with flipped bytes.
	CorruptData bool
	// Handshake with a different infohash.
	WrongInfoHash bool
	// Reject ut_metadata requests.
	NoMetadata bool
	// Serve this as the info dict instead of the real one.
	BogusMetadata []byte

	BlocksServed   atomic.Int64
	MetadataServed atomic.Int64
	Connections    atomic.Int64

	peerID [20]byte
	l      net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listens on loopback until the test ends and returns the address to dial.
func (s *Seeder) Start(t testing.TB) netip.AddrPort {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.l = l
	s.init()
	t.Cleanup(s.Close)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			s.handle(nc)
		}
	}()
	return l.Addr().(*net.TCPAddr).AddrPort()
}

// Connects out to addr and serves the connection, as a peer that found us through discovery
// would.
func (s *Seeder) Dial(t testing.TB, addr string) {
	s.init()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.handle(nc)
}

func (s *Seeder) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		return
	}
	s.conns = make(map[net.Conn]struct{})
	copy(s.peerID[:], fmt.Sprintf("-TS0001-%012d", seederCount.Add(1)))
}

func (s *Seeder) handle(nc net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, nc)
			s.mu.Unlock()
			nc.Close()
		}()
		s.Connections.Add(1)
		s.serve(nc)
	}()
}

func (s *Seeder) Close() {
	s.mu.Lock()
	s.closed = true
	if s.l != nil {
		s.l.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Seeder) have() []bool {
	info := s.Torrent.Info(s.PieceLength)
	bf := make([]bool, info.NumPieces())
	for i := range bf {
		bf[i] = s.Pieces == nil || slices.Contains(s.Pieces, i)
	}
	return bf
}

func (s *Seeder) serve(nc net.Conn) {
	ih := s.Torrent.InfoHash(s.PieceLength)
	if s.WrongInfoHash {
		ih = metainfo.HashBytes([]byte("not the torrent you're looking for"))
	}
	res, err := pp.Handshake(context.Background(), nc, &ih, s.peerID, pp.NewPeerExtensionBytes(pp.ExtensionBitLtep))
	if err != nil || s.WrongInfoHash {
		return
	}
	w := bufio.NewWriter(nc)
	send := func(msg pp.Message) error {
		_, err := msg.WriteTo(w)
		if err != nil {
			return err
		}
		return w.Flush()
	}
	info := s.Torrent.InfoBytes(s.PieceLength)
	if s.BogusMetadata != nil {
		info = s.BogusMetadata
	}
	if res.SupportsExtended() {
		b, err := pp.ExtendedHandshakeMessage{
			M:            map[pp.ExtensionName]pp.ExtensionNumber{pp.ExtensionNameMetadata: seederMetadataID},
			V:            "testutil seeder",
			Reqq:         250,
			MetadataSize: len(info),
		}.Marshal()
		if err != nil {
			panic(err)
		}
		if send(pp.MakeExtendedMessage(pp.HandshakeExtendedID, b)) != nil {
			return
		}
	}
	have := s.have()
	if send(pp.Message{Type: pp.Bitfield, Bitfield: have}) != nil {
		return
	}
	if send(pp.Message{Type: pp.Unchoke}) != nil {
		return
	}
	var peerMetadataID pp.ExtensionNumber
	d := pp.Decoder{R: bufio.NewReader(nc), MaxLength: 1 << 20}
	for {
		var msg pp.Message
		if d.Decode(&msg) != nil {
			return
		}
		if msg.Keepalive {
			continue
		}
		switch msg.Type {
		case pp.Request:
			index := msg.Index.Int()
			if index >= len(have) || !have[index] {
				continue
			}
			piece := s.Torrent.Piece(s.PieceLength, index)
			begin, end := msg.Begin.Int(), msg.Begin.Int()+msg.Length.Int()
			if end > len(piece) {
				continue
			}
			data := slices.Clone(piece[begin:end])
			if s.CorruptData {
				for i := range data {
					data[i] ^= 0xff
				}
			}
			if send(pp.Message{Type: pp.Piece, Index: msg.Index, Begin: msg.Begin, Piece: data}) != nil {
				return
			}
			s.BlocksServed.Add(1)
		case pp.Extended:
			switch msg.ExtendedID {
			case pp.HandshakeExtendedID:
				hs, err := pp.UnmarshalExtendedHandshake(msg.ExtendedPayload)
				if err != nil {
					return
				}
				peerMetadataID = hs.M[pp.ExtensionNameMetadata]
			case seederMetadataID:
				if s.serveMetadata(send, msg.ExtendedPayload, peerMetadataID, info) != nil {
					return
				}
			}
		}
	}
}

func (s *Seeder) serveMetadata(send func(pp.Message) error, payload []byte, id pp.ExtensionNumber, info []byte) error {
	mm, _, err := pp.UnmarshalMetadataMsg(payload)
	if err != nil || mm.Type != pp.RequestMetadataExtensionMsgType || id == 0 {
		return err
	}
	reply := pp.MetadataMsg{Type: pp.RejectMetadataExtensionMsgType, Piece: mm.Piece}
	var data []byte
	if !s.NoMetadata && mm.Piece >= 0 && mm.Piece < pp.MetadataPieceCount(len(info)) {
		reply.Type = pp.DataMetadataExtensionMsgType
		reply.TotalSize = len(info)
		start := mm.Piece * pp.MetadataPieceSize
		data = info[start : start+pp.MetadataPieceLen(len(info), mm.Piece)]
		s.MetadataServed.Add(1)
	}
	b, err := pp.MarshalMetadataMsg(reply, data)
	if err != nil {
		return err
	}
	return send(pp.MakeExtendedMessage(id, b))
}
