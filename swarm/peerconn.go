package swarm

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/internal/metrics"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
	"github.com/anacrolix/torrent-handler/storage"
)

const (
	// Larger than any message we expect: a block plus its header, or a metadata piece.
	maxMessageLength = 256 << 10
	// We never request more than a block, and don't serve more to others.
	maxRequestLength = storage.BlockSize
	// Requests are dropped while this much is waiting to be written.
	writeBufferHighWaterLen = 1 << 20
	// Peers are told we accept this many outstanding requests.
	localReqq = 250
)

type blockKey struct {
	piece int
	begin int64
}

func (me blockKey) String() string {
	return fmt.Sprintf("%d/%d", me.piece, me.begin)
}

// Wraps a raw connection so that a read times out after a period with nothing received.
type deadlineReader struct {
	nc      net.Conn
	timeout time.Duration
}

func (r deadlineReader) Read(b []byte) (int, error) {
	if r.timeout != 0 {
		err := r.nc.SetReadDeadline(time.Now().Add(r.timeout))
		if err != nil {
			return 0, fmt.Errorf("error setting read deadline: %w", err)
		}
	}
	return r.nc.Read(b)
}

// An established peer wire connection for the swarm's torrent.
type PeerConn struct {
	s                 *Swarm
	id                int
	nc                net.Conn
	addr              netip.AddrPort
	outgoing          bool
	peerID            [20]byte
	peerExtensionBits pp.PeerExtensionBits
	logger            log.Logger
	writer            *msgWriter

	closed    chansync.SetOnce
	closeOnce sync.Once
	closeErr  error

	// Everything below is guarded by the swarm mutex.

	peerChoking    bool
	peerInterested bool
	amChoking      bool
	amInterested   bool
	peerPieces     roaring.Bitmap
	// Outstanding requests and when they were sent.
	requests map[blockKey]time.Time
	// Requests we gave up on, for which data can still legitimately arrive.
	cancelled   map[blockKey]struct{}
	maxRequests int
	// Failed pieces this peer contributed blocks to.
	strikes        int
	peerExtensions map[pp.ExtensionName]pp.ExtensionNumber
	peerClient     string
	lastBlock      time.Time
	blocksReceived int
}

func (c *PeerConn) String() string {
	dir := "in"
	if c.outgoing {
		dir = "out"
	}
	return fmt.Sprintf("%v peer %v", dir, c.addr)
}

// Closes the connection with err as the reason. Only the first reason is kept.
func (c *PeerConn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.closed.Set()
		c.nc.Close()
	})
}

func (c *PeerConn) write(msg pp.Message) {
	c.writer.write(msg)
}

// Runs the connection until it's closed, then removes it from the swarm.
func (c *PeerConn) run() {
	go c.writer.run(c.s.cfg.KeepAliveInterval)
	err := c.mainReadLoop()
	c.close(err)
	c.s.mu.Lock()
	c.s.dropConnLocked(c)
	c.s.mu.Unlock()
	c.logger.Levelf(log.Debug, "closed: %v", c.closeErr)
}

func (c *PeerConn) mainReadLoop() error {
	decoder := pp.Decoder{
		R:         bufio.NewReaderSize(deadlineReader{c.nc, c.s.cfg.PeerIdleTimeout}, 1<<16),
		MaxLength: maxMessageLength,
	}
	for {
		var msg pp.Message
		err := decoder.Decode(&msg)
		if err != nil {
			return c.readError(err)
		}
		err = c.onMessage(msg)
		if err != nil {
			return err
		}
	}
}

func (c *PeerConn) readError(err error) error {
	if c.closed.IsSet() {
		return c.closeErr
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return errors.New("connection closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: nothing received for %v", ErrPeerTimeout, c.s.cfg.PeerIdleTimeout)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &netErr):
		return fmt.Errorf("reading: %w", err)
	}
	return fmt.Errorf("%w: decoding message: %w", ErrPeerMisbehavior, err)
}

func (c *PeerConn) onMessage(msg pp.Message) error {
	if msg.Keepalive {
		return nil
	}
	s := c.s
	switch msg.Type {
	case pp.Choke:
		s.mu.Lock()
		defer s.mu.Unlock()
		c.peerChoking = true
		// Without the fast extension, a choke discards our outstanding requests.
		s.deleteAllRequestsLocked(c)
		s.scheduleLocked()
	case pp.Unchoke:
		s.mu.Lock()
		defer s.mu.Unlock()
		c.peerChoking = false
		s.scheduleLocked()
	case pp.Interested:
		s.mu.Lock()
		defer s.mu.Unlock()
		c.peerInterested = true
		if c.amChoking && !s.cfg.NoUpload {
			c.amChoking = false
			c.write(pp.Message{Type: pp.Unchoke})
		}
	case pp.NotInterested:
		s.mu.Lock()
		defer s.mu.Unlock()
		c.peerInterested = false
	case pp.Have:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.peerSentHaveLocked(c, msg.Index.Int())
	case pp.Bitfield:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.peerSentBitfieldLocked(c, msg.Bitfield)
	case pp.Request:
		return c.onRequest(msg)
	case pp.Cancel:
		// Requests are answered as they arrive, so there's never anything queued to cancel.
	case pp.Piece:
		return s.onBlock(c, msg)
	case pp.Port:
		c.logger.Levelf(log.Debug, "peer has dht node at port %v", msg.Port)
	case pp.Extended:
		return c.onExtended(msg)
	default:
		return fmt.Errorf("%w: unexpected message %v", ErrPeerMisbehavior, msg.Type)
	}
	return nil
}

func (c *PeerConn) onRequest(msg pp.Message) error {
	s := c.s
	if msg.Length > maxRequestLength {
		return fmt.Errorf("%w: request for %d bytes", ErrPeerMisbehavior, msg.Length)
	}
	s.mu.Lock()
	serve := !s.cfg.NoUpload && !c.amChoking && c.peerInterested
	s.mu.Unlock()
	if !serve {
		return nil
	}
	if c.writer.buffered() >= writeBufferHighWaterLen {
		c.logger.Levelf(log.Debug, "dropping request %v, write buffer full", msg)
		return nil
	}
	b, err := s.store.ReadBlock(msg.Index.Int(), msg.Begin.Int64(), msg.Length.Int())
	if errors.Is(err, storage.ErrInvalidBlock) {
		return fmt.Errorf("%w: %w", ErrPeerMisbehavior, err)
	}
	if err != nil {
		c.logger.Levelf(log.Debug, "not serving %v: %v", msg, err)
		return nil
	}
	c.write(pp.Message{
		Type:  pp.Piece,
		Index: msg.Index,
		Begin: msg.Begin,
		Piece: b,
	})
	metrics.BytesUploaded.Add(float64(len(b)))
	return nil
}

func (c *PeerConn) onExtended(msg pp.Message) error {
	switch msg.ExtendedID {
	case pp.HandshakeExtendedID:
		hs, err := pp.UnmarshalExtendedHandshake(msg.ExtendedPayload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPeerMisbehavior, err)
		}
		c.s.mu.Lock()
		defer c.s.mu.Unlock()
		c.peerExtensions = hs.M
		c.peerClient = hs.V
		if hs.Reqq > 0 {
			c.maxRequests = min(c.s.cfg.MaxRequestsPerPeer, hs.Reqq)
		}
		c.logger.Levelf(log.Debug, "extended handshake: %+v", hs)
		c.s.scheduleLocked()
	case pp.MetadataExtendedID:
		return c.onMetadataMsg(msg.ExtendedPayload)
	default:
		c.logger.Levelf(log.Debug, "ignoring extended message %v", msg.ExtendedID)
	}
	return nil
}

// Answers ut_metadata requests from the info bytes. Data and rejects are ignored since the swarm
// only exists once the metadata is known.
func (c *PeerConn) onMetadataMsg(payload []byte) error {
	mm, _, err := pp.UnmarshalMetadataMsg(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPeerMisbehavior, err)
	}
	if mm.Type != pp.RequestMetadataExtensionMsgType {
		return nil
	}
	c.s.mu.Lock()
	id, ok := c.peerExtensions[pp.ExtensionNameMetadata]
	c.s.mu.Unlock()
	if !ok {
		return nil
	}
	info := c.s.md.InfoBytes
	reply := pp.MetadataMsg{Type: pp.RejectMetadataExtensionMsgType, Piece: mm.Piece}
	var data []byte
	if mm.Piece >= 0 && mm.Piece < pp.MetadataPieceCount(len(info)) {
		reply.Type = pp.DataMetadataExtensionMsgType
		reply.TotalSize = len(info)
		start := mm.Piece * pp.MetadataPieceSize
		data = info[start : start+pp.MetadataPieceLen(len(info), mm.Piece)]
	}
	b, err := pp.MarshalMetadataMsg(reply, data)
	if err != nil {
		return err
	}
	c.write(pp.MakeExtendedMessage(id, b))
	return nil
}

func (c *PeerConn) extendedHandshake() pp.Message {
	hs := pp.ExtendedHandshakeMessage{
		M: map[pp.ExtensionName]pp.ExtensionNumber{
			pp.ExtensionNameMetadata: pp.MetadataExtendedID,
		},
		V:            c.s.clientVersion,
		Reqq:         localReqq,
		Port:         c.s.listenPort,
		MetadataSize: len(c.s.md.InfoBytes),
	}
	b, err := hs.Marshal()
	if err != nil {
		panic(err)
	}
	return pp.MakeExtendedMessage(pp.HandshakeExtendedID, b)
}

func (c *PeerConn) canRequestLocked() bool {
	return !c.closed.IsSet() &&
		!c.peerChoking &&
		c.amInterested &&
		len(c.requests) < c.maxRequests
}

// Tells the peer whether we want anything it has.
func (c *PeerConn) updateInterestLocked() {
	want := c.s.peerHasWantedPieceLocked(c)
	if want == c.amInterested {
		return
	}
	c.amInterested = want
	if want {
		c.write(pp.Message{Type: pp.Interested})
	} else {
		c.write(pp.Message{Type: pp.NotInterested})
	}
}
