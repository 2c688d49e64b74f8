package resolver

import (
	"bufio"
	"context"
	"net"
	"net/netip"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/metadata"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
)

var extensions = pp.NewPeerExtensionBytes(pp.ExtensionBitLtep)

func (r *Resolver) dialer() Dialer {
	if r.Dialer != nil {
		return r.Dialer
	}
	return &net.Dialer{}
}

func (r *Resolver) fetchFromPeer(
	ctx context.Context,
	addr netip.AddrPort,
	ih metainfo.Hash,
	logger log.Logger,
) (*metadata.TorrentMetadata, error) {
	if r.PeerTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.PeerTimeout)
		defer cancel()
	}
	dialCtx := ctx
	if r.DialTimeout != 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.DialTimeout)
		defer cancel()
	}
	nc, err := r.dialer().DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "dialing")
	}
	defer nc.Close()
	// Unblocks reads when the peer's time is up or resolution is over.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	res, err := pp.Handshake(ctx, nc, &ih, r.PeerID, extensions)
	if err != nil {
		return nil, errors.Wrap(err, "handshaking")
	}
	if res.Hash != ih {
		return nil, errors.Errorf("peer has torrent %v", res.Hash)
	}
	if !res.SupportsExtended() {
		return nil, errors.New("peer doesn't support extended messages")
	}
	f := metadataFetch{
		ih:      ih,
		maxSize: r.MaxMetadataSize,
		w:       bufio.NewWriter(nc),
		d:       pp.Decoder{R: bufio.NewReader(nc), MaxLength: 256 << 10},
		logger:  logger.WithContextText(addr.String()),
	}
	md, err := f.run(r.ClientVersion)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	return md, err
}

// The ut_metadata exchange with one peer.
type metadataFetch struct {
	ih      metainfo.Hash
	maxSize int
	w       *bufio.Writer
	d       pp.Decoder
	logger  log.Logger

	peerID pp.ExtensionNumber
	info   []byte
	have   []bool
	left   int
}

func (f *metadataFetch) send(msgs ...pp.Message) error {
	for _, msg := range msgs {
		_, err := msg.WriteTo(f.w)
		if err != nil {
			return err
		}
	}
	return f.w.Flush()
}

func (f *metadataFetch) run(clientVersion string) (*metadata.TorrentMetadata, error) {
	hs, err := pp.ExtendedHandshakeMessage{
		M: map[pp.ExtensionName]pp.ExtensionNumber{
			pp.ExtensionNameMetadata: pp.MetadataExtendedID,
		},
		V: clientVersion,
	}.Marshal()
	if err != nil {
		return nil, err
	}
	err = f.send(pp.MakeExtendedMessage(pp.HandshakeExtendedID, hs))
	if err != nil {
		return nil, errors.Wrap(err, "sending extended handshake")
	}
	for {
		var msg pp.Message
		err := f.d.Decode(&msg)
		if err != nil {
			return nil, errors.Wrap(err, "reading")
		}
		if msg.Keepalive || msg.Type != pp.Extended {
			continue
		}
		switch msg.ExtendedID {
		case pp.HandshakeExtendedID:
			err = f.onExtendedHandshake(msg.ExtendedPayload)
		case pp.MetadataExtendedID:
			var done bool
			done, err = f.onMetadataMsg(msg.ExtendedPayload)
			if err == nil && done {
				return f.complete()
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (f *metadataFetch) onExtendedHandshake(payload []byte) error {
	if f.info != nil {
		return nil
	}
	hs, err := pp.UnmarshalExtendedHandshake(payload)
	if err != nil {
		return err
	}
	id, ok := hs.M[pp.ExtensionNameMetadata]
	if !ok || id == 0 {
		return errors.New("peer doesn't support ut_metadata")
	}
	if hs.MetadataSize <= 0 || hs.MetadataSize > f.maxSize {
		return errors.Errorf("bad metadata size %d", hs.MetadataSize)
	}
	f.logger.Levelf(log.Debug, "requesting %d bytes of metadata from %q", hs.MetadataSize, hs.V)
	f.peerID = id
	f.info = make([]byte, hs.MetadataSize)
	f.left = pp.MetadataPieceCount(hs.MetadataSize)
	f.have = make([]bool, f.left)
	reqs := make([]pp.Message, 0, f.left)
	for i := range f.left {
		reqs = append(reqs, pp.MakeExtendedMessage(id, pp.MetadataRequest(i)))
	}
	return errors.Wrap(f.send(reqs...), "requesting metadata")
}

func (f *metadataFetch) onMetadataMsg(payload []byte) (done bool, err error) {
	mm, data, err := pp.UnmarshalMetadataMsg(payload)
	if err != nil {
		return
	}
	switch mm.Type {
	case pp.RequestMetadataExtensionMsgType:
		// We have nothing to give.
		if f.peerID == 0 {
			return
		}
		var b []byte
		b, err = pp.MarshalMetadataMsg(pp.MetadataMsg{Type: pp.RejectMetadataExtensionMsgType, Piece: mm.Piece}, nil)
		if err != nil {
			return
		}
		err = f.send(pp.MakeExtendedMessage(f.peerID, b))
		return
	case pp.RejectMetadataExtensionMsgType:
		err = errors.Errorf("peer rejected metadata piece %d", mm.Piece)
		return
	case pp.DataMetadataExtensionMsgType:
	default:
		return
	}
	if f.info == nil {
		err = errors.New("metadata data before extended handshake")
		return
	}
	if mm.TotalSize != len(f.info) {
		err = errors.Errorf("metadata piece claims total size %d, expected %d", mm.TotalSize, len(f.info))
		return
	}
	if mm.Piece < 0 || mm.Piece >= len(f.have) {
		err = errors.Errorf("metadata piece %d out of range", mm.Piece)
		return
	}
	if len(data) != pp.MetadataPieceLen(len(f.info), mm.Piece) {
		err = errors.Errorf("metadata piece %d has length %d", mm.Piece, len(data))
		return
	}
	if f.have[mm.Piece] {
		return
	}
	copy(f.info[mm.Piece*pp.MetadataPieceSize:], data)
	f.have[mm.Piece] = true
	f.left--
	done = f.left == 0
	return
}

func (f *metadataFetch) complete() (*metadata.TorrentMetadata, error) {
	if actual := metainfo.HashBytes(f.info); actual != f.ih {
		return nil, errors.Errorf("metadata hashes to %v", actual)
	}
	return metadata.FromInfoBytes(f.info)
}
