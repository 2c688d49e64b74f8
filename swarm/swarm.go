// Package swarm manages the peer wire connections for one torrent and schedules block requests
// across them, rarest piece first.
package swarm

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/internal/metrics"
	"github.com/anacrolix/torrent-handler/metadata"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
	"github.com/anacrolix/torrent-handler/storage"
)

// Dials that fail this many times aren't retried until discovery supplies the address again.
const maxDialAttempts = 3

var errSwarmClosed = errors.New("swarm closed")

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Opts struct {
	Config
	Store      *storage.Store
	PeerID     [20]byte
	Extensions pp.PeerExtensionBits
	// Advertised to peers so they can connect back. Zero if we aren't listening.
	ListenPort    int
	ClientVersion string
	// Defaults to a net.Dialer.
	Dialer Dialer
	Logger log.Logger
	// Called without locks held. Receives ErrNoPeersAvailable while the swarm has run dry.
	OnWarning func(error)
	// Asks for a fresh round of discovery.
	WantPeers func()
}

type Swarm struct {
	cfg           Config
	md            *metadata.TorrentMetadata
	store         *storage.Store
	peerID        [20]byte
	extensions    pp.PeerExtensionBits
	listenPort    int
	clientVersion string
	dialer        Dialer
	logger        log.Logger
	onWarning     func(error)
	wantPeers     func()

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	closed chansync.SetOnce

	mu         sync.Mutex
	nextConnID int
	conns      map[*PeerConn]struct{}
	connByAddr map[netip.AddrPort]*PeerConn
	halfOpen   map[netip.AddrPort]struct{}
	candidates candidatePool
	banned     map[netip.AddrPort]struct{}
	// Connected peers having each piece.
	availability []int
	order        *pieceOrder
	// Who a block is currently requested from, or being written for.
	outstanding map[blockKey]*PeerConn
	// Outstanding requests per piece.
	pieceRequests []int
	// Peers that sent blocks for each unverified piece.
	contributors    map[int]map[*PeerConn]struct{}
	noPeersRounds   int
	storageFailures int
	// Why the swarm stopped itself.
	err error
}

// Starts a swarm for the store's torrent. It runs until ctx is done, Close is called, or storage
// fails repeatedly.
func New(ctx context.Context, opts Opts) *Swarm {
	md := opts.Store.Metadata()
	s := &Swarm{
		cfg:           opts.Config,
		md:            md,
		store:         opts.Store,
		peerID:        opts.PeerID,
		extensions:    opts.Extensions,
		listenPort:    opts.ListenPort,
		clientVersion: opts.ClientVersion,
		dialer:        opts.Dialer,
		logger:        opts.Logger.WithNames("swarm").WithContextValue(md.InfoHash),
		onWarning:     opts.OnWarning,
		wantPeers:     opts.WantPeers,
		conns:         make(map[*PeerConn]struct{}),
		connByAddr:    make(map[netip.AddrPort]*PeerConn),
		halfOpen:      make(map[netip.AddrPort]struct{}),
		candidates:    newCandidatePool(),
		banned:        make(map[netip.AddrPort]struct{}),
		availability:  make([]int, md.NumPieces()),
		order:         newPieceOrder(md.NumPieces()),
		outstanding:   make(map[blockKey]*PeerConn),
		pieceRequests: make([]int, md.NumPieces()),
		contributors:  make(map[int]map[*PeerConn]struct{}),
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{}
	}
	if s.cfg.TickInterval <= 0 {
		s.cfg.TickInterval = DefaultConfig().TickInterval
	}
	if s.cfg.MaxRequestsPerPeer <= 0 {
		s.cfg.MaxRequestsPerPeer = 1
	}
	if s.cfg.KeepAliveInterval <= 0 {
		s.cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.mu.Lock()
	for i := range md.NumPieces() {
		s.updatePieceLocked(i)
	}
	s.mu.Unlock()
	go s.run()
	return s
}

func (s *Swarm) run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Swarm) shutdown() {
	s.mu.Lock()
	cause := context.Cause(s.ctx)
	for c := range s.conns {
		c.close(cause)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Levelf(log.Debug, "stopped: %v", cause)
	s.closed.Set()
}

// Closes every connection and waits for the swarm's goroutines.
func (s *Swarm) Close() {
	s.cancel(errSwarmClosed)
	<-s.closed.Done()
}

// Closed when the swarm has stopped.
func (s *Swarm) Done() <-chan struct{} {
	return s.closed.Done()
}

// The reason the swarm stopped itself, if it did.
func (s *Swarm) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Swarm) failLocked(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.logger.Levelf(log.Error, "stopping: %v", err)
	s.cancel(err)
}

func (s *Swarm) tick() {
	var warn error
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reapStaleRequestsLocked()
	s.dialCandidatesLocked()
	if len(s.conns) == 0 && len(s.halfOpen) == 0 && s.candidates.Len() == 0 && !s.store.Complete() {
		s.noPeersRounds++
		if s.cfg.NoPeersRounds > 0 && s.noPeersRounds >= s.cfg.NoPeersRounds {
			s.noPeersRounds = 0
			warn = fmt.Errorf("%w after %v rounds", ErrNoPeersAvailable, s.cfg.NoPeersRounds)
		}
	} else {
		s.noPeersRounds = 0
	}
	s.scheduleLocked()
	s.mu.Unlock()
	if warn != nil {
		s.logger.Levelf(log.Warning, "%v", warn)
		if s.onWarning != nil {
			s.onWarning(warn)
		}
		if s.wantPeers != nil {
			s.wantPeers()
		}
	}
}

// Adds addresses to dial. The source is only used for logging.
func (s *Swarm) AddPeers(source string, addrs []netip.AddrPort) (added int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addrs {
		if !addr.IsValid() || addr.Port() == 0 {
			continue
		}
		if s.skipAddrLocked(addr) {
			continue
		}
		if s.candidates.Add(candidate{addr: addr, source: source}) {
			added++
		}
	}
	s.dialCandidatesLocked()
	return
}

func (s *Swarm) skipAddrLocked(addr netip.AddrPort) bool {
	if _, ok := s.banned[addr]; ok {
		return true
	}
	if _, ok := s.connByAddr[addr]; ok {
		return true
	}
	_, ok := s.halfOpen[addr]
	return ok
}

func (s *Swarm) dialCandidatesLocked() {
	if s.ctx.Err() != nil || s.store.Complete() {
		return
	}
	for len(s.conns)+len(s.halfOpen) < s.cfg.MaxConnsPerTorrent && len(s.halfOpen) < s.cfg.HalfOpenConns {
		c, ok := s.candidates.PopMin()
		if !ok {
			break
		}
		if s.skipAddrLocked(c.addr) {
			continue
		}
		s.halfOpen[c.addr] = struct{}{}
		s.wg.Add(1)
		go s.outgoingConnection(c)
	}
}

func (s *Swarm) outgoingConnection(cand candidate) {
	defer s.wg.Done()
	nc, res, err := s.dialAndHandshake(cand.addr)
	s.mu.Lock()
	delete(s.halfOpen, cand.addr)
	if err != nil {
		if !errors.Is(err, ErrHandshakeFailed) && cand.attempts+1 < maxDialAttempts && s.ctx.Err() == nil {
			cand.attempts++
			s.candidates.Add(cand)
		}
		s.mu.Unlock()
		s.logger.Levelf(log.Debug, "connecting to %v from %v: %v", cand.addr, cand.source, err)
		return
	}
	c, err := s.addConnLocked(nc, cand.addr, res, true)
	s.mu.Unlock()
	if err != nil {
		s.logger.Levelf(log.Debug, "not adding %v: %v", cand.addr, err)
		nc.Close()
		return
	}
	c.run()
}

func (s *Swarm) dialAndHandshake(addr netip.AddrPort) (nc net.Conn, res pp.HandshakeResult, err error) {
	if s.cfg.DialRateLimiter != nil {
		err = s.cfg.DialRateLimiter.Wait(s.ctx)
		if err != nil {
			return
		}
	}
	ctx := s.ctx
	if s.cfg.DialTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	nc, err = s.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return
	}
	res, err = s.handshake(nc, &s.md.InfoHash)
	if err != nil {
		nc.Close()
		nc = nil
	}
	return
}

// Performs the BitTorrent handshake on a fresh connection. ih is nil for incoming connections
// that haven't declared a torrent yet.
func (s *Swarm) handshake(nc net.Conn, ih *metainfo.Hash) (res pp.HandshakeResult, err error) {
	ctx := s.ctx
	if s.cfg.HandshakeTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	res, err = pp.Handshake(ctx, nc, ih, s.peerID, s.extensions)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	} else {
		err = s.checkHandshake(res)
	}
	if err != nil {
		metrics.HandshakeFailures.Inc()
		return
	}
	// The handshake may have left a deadline behind when its context expired.
	err = nc.SetDeadline(time.Time{})
	return
}

func (s *Swarm) checkHandshake(res pp.HandshakeResult) error {
	if res.Hash != s.md.InfoHash {
		return fmt.Errorf("%w: peer has torrent %v", ErrHandshakeFailed, res.Hash)
	}
	if res.PeerID == s.peerID {
		return fmt.Errorf("%w: connected to ourselves", ErrHandshakeFailed)
	}
	return nil
}

// Handshakes a connection the peer initiated and adopts it if it's for this torrent. nc is
// closed on failure.
func (s *Swarm) AcceptConn(nc net.Conn) (err error) {
	defer func() {
		if err != nil {
			nc.Close()
		}
	}()
	addr, err := addrPortFromNetAddr(nc.RemoteAddr())
	if err != nil {
		return
	}
	res, err := s.handshake(nc, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	c, err := s.addConnLocked(nc, addr, res, false)
	if err == nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if err != nil {
		return
	}
	go func() {
		defer s.wg.Done()
		c.run()
	}()
	return nil
}

func addrPortFromNetAddr(na net.Addr) (netip.AddrPort, error) {
	if tcp, ok := na.(*net.TCPAddr); ok {
		return tcp.AddrPort(), nil
	}
	ap, err := netip.ParseAddrPort(na.String())
	if err != nil {
		return ap, fmt.Errorf("parsing remote address: %w", err)
	}
	return ap, nil
}

func (s *Swarm) addConnLocked(
	nc net.Conn,
	addr netip.AddrPort,
	res pp.HandshakeResult,
	outgoing bool,
) (*PeerConn, error) {
	if err := context.Cause(s.ctx); err != nil {
		return nil, err
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if _, ok := s.banned[addr]; ok {
		return nil, errors.New("address is banned")
	}
	if _, ok := s.connByAddr[addr]; ok {
		return nil, errors.New("already connected")
	}
	if len(s.conns) >= s.cfg.MaxConnsPerTorrent {
		return nil, errors.New("at connection limit")
	}
	s.nextConnID++
	c := &PeerConn{
		s:                 s,
		id:                s.nextConnID,
		nc:                nc,
		addr:              addr,
		outgoing:          outgoing,
		peerID:            res.PeerID,
		peerExtensionBits: res.PeerExtensionBits,
		peerChoking:       true,
		amChoking:         true,
		requests:          make(map[blockKey]time.Time),
		cancelled:         make(map[blockKey]struct{}),
		maxRequests:       s.cfg.MaxRequestsPerPeer,
	}
	c.logger = s.logger.WithContextText(c.String())
	c.writer = newMsgWriter(nc, &c.closed, c.logger, c.close)
	c.writer.writeTimeout = s.cfg.WriteTimeout
	s.conns[c] = struct{}{}
	s.connByAddr[addr] = c
	s.candidates.Delete(addr)
	metrics.PeersConnected.Inc()
	if res.SupportsExtended() {
		c.write(c.extendedHandshake())
	}
	if s.store.NumVerified() != 0 {
		c.write(pp.Message{Type: pp.Bitfield, Bitfield: s.store.Bitfield()})
	}
	c.logger.Levelf(log.Debug, "connected, peer extensions %v", res.PeerExtensionBits)
	return c, nil
}

func (s *Swarm) dropConnLocked(c *PeerConn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	if s.connByAddr[c.addr] == c {
		delete(s.connByAddr, c.addr)
	}
	metrics.PeersConnected.Dec()
	s.deleteAllRequestsLocked(c)
	c.peerPieces.Iterate(func(x uint32) bool {
		s.availability[x]--
		s.updatePieceLocked(int(x))
		return true
	})
	for _, m := range s.contributors {
		delete(m, c)
	}
	if errors.Is(c.closeErr, ErrPeerMisbehavior) {
		s.banLocked(c.addr)
	}
	s.scheduleLocked()
}

func (s *Swarm) banLocked(addr netip.AddrPort) {
	if _, ok := s.banned[addr]; ok {
		return
	}
	s.banned[addr] = struct{}{}
	s.candidates.Delete(addr)
	metrics.PeersBanned.Inc()
	s.logger.Levelf(log.Info, "banned %v", addr)
}

// Updates the piece's place in the request order, or removes it once nothing more is needed.
func (s *Swarm) updatePieceLocked(piece int) {
	if s.store.PieceStatus(piece).Verified() || s.store.Parked(piece) {
		s.order.Delete(piece)
		return
	}
	s.order.Set(piece, pieceOrderState{
		Availability: s.availability[piece],
		Partial:      s.pieceRequests[piece] != 0 || s.store.PieceStatus(piece) == storage.PieceStatusInFlight,
	})
}

func (s *Swarm) peerHasWantedPieceLocked(c *PeerConn) (want bool) {
	c.peerPieces.Iterate(func(x uint32) bool {
		_, want = s.order.Get(int(x))
		return !want
	})
	return
}

func (s *Swarm) peerSentHaveLocked(c *PeerConn, piece int) error {
	if piece < 0 || piece >= s.md.NumPieces() {
		return fmt.Errorf("%w: have for piece %d of %d", ErrPeerMisbehavior, piece, s.md.NumPieces())
	}
	if !c.peerPieces.CheckedAdd(uint32(piece)) {
		return nil
	}
	s.availability[piece]++
	s.updatePieceLocked(piece)
	c.updateInterestLocked()
	s.scheduleLocked()
	return nil
}

func (s *Swarm) peerSentBitfieldLocked(c *PeerConn, bf []bool) error {
	n := s.md.NumPieces()
	if len(bf) < n || slices.Contains(bf[n:], true) {
		return fmt.Errorf("%w: bitfield of %d bits for %d pieces", ErrPeerMisbehavior, len(bf), n)
	}
	for i, have := range bf[:n] {
		if have && c.peerPieces.CheckedAdd(uint32(i)) {
			s.availability[i]++
			s.updatePieceLocked(i)
		}
	}
	c.updateInterestLocked()
	s.scheduleLocked()
	return nil
}

func (s *Swarm) sortedConnsLocked() []*PeerConn {
	conns := make([]*PeerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, func(a, b *PeerConn) int {
		return a.id - b.id
	})
	return conns
}

// Hands out blocks one at a time to each peer in turn until no peer can take more, so the blocks
// of a piece are spread over the peers that have it.
func (s *Swarm) scheduleLocked() {
	if s.ctx.Err() != nil {
		return
	}
	conns := slices.DeleteFunc(s.sortedConnsLocked(), func(c *PeerConn) bool {
		return !c.canRequestLocked()
	})
	for len(conns) != 0 {
		next := conns[:0]
		for _, c := range conns {
			if s.requestNextBlockLocked(c) && c.canRequestLocked() {
				next = append(next, c)
			}
		}
		conns = next
	}
}

func (s *Swarm) nextBlockForPeerLocked(c *PeerConn) (ret g.Option[blockKey]) {
	s.order.Scan(func(piece int, _ pieceOrderState) bool {
		if !c.peerPieces.Contains(uint32(piece)) {
			return true
		}
		for b := range s.store.NumBlocks(piece) {
			key := blockKey{piece, int64(b) * storage.BlockSize}
			if _, ok := s.outstanding[key]; ok {
				continue
			}
			if s.store.HaveBlock(piece, key.begin) {
				continue
			}
			ret = g.Some(key)
			return false
		}
		return true
	})
	return
}

func (s *Swarm) requestNextBlockLocked(c *PeerConn) bool {
	key := s.nextBlockForPeerLocked(c)
	if !key.Ok {
		return false
	}
	s.requestLocked(c, key.Value)
	return true
}

func (s *Swarm) requestLocked(c *PeerConn, key blockKey) {
	_, ok := s.outstanding[key]
	panicif.True(ok)
	s.outstanding[key] = c
	c.requests[key] = time.Now()
	s.pieceRequests[key.piece]++
	c.write(pp.MakeRequestMessage(
		pp.Integer(key.piece),
		pp.Integer(key.begin),
		pp.Integer(s.store.BlockLen(key.piece, key.begin)),
	))
	s.updatePieceLocked(key.piece)
}

// Forgets an outstanding request so the block can be requested elsewhere. Data for it is still
// accepted if it turns up.
func (s *Swarm) deleteRequestLocked(c *PeerConn, key blockKey) {
	if _, ok := c.requests[key]; !ok {
		return
	}
	delete(c.requests, key)
	c.cancelled[key] = struct{}{}
	if s.outstanding[key] == c {
		delete(s.outstanding, key)
	}
	s.pieceRequests[key.piece]--
	s.updatePieceLocked(key.piece)
}

func (s *Swarm) deleteAllRequestsLocked(c *PeerConn) {
	for key := range c.requests {
		s.deleteRequestLocked(c, key)
	}
}

// Cancels requests that have been outstanding longer than the request timeout.
func (s *Swarm) reapStaleRequestsLocked() {
	if s.cfg.RequestTimeout <= 0 {
		return
	}
	for c := range s.conns {
		for key, sent := range c.requests {
			if time.Since(sent) < s.cfg.RequestTimeout {
				continue
			}
			c.logger.Levelf(log.Debug, "request %v timed out", key)
			s.deleteRequestLocked(c, key)
			c.write(pp.MakeCancelMessage(
				pp.Integer(key.piece),
				pp.Integer(key.begin),
				pp.Integer(s.store.BlockLen(key.piece, key.begin)),
			))
		}
	}
}

// Handles piece data from a peer. The block is written without the swarm lock held.
func (s *Swarm) onBlock(c *PeerConn, msg pp.Message) error {
	key := blockKey{msg.Index.Int(), msg.Begin.Int64()}
	metrics.BytesReceived.Add(float64(len(msg.Piece)))
	s.mu.Lock()
	_, requested := c.requests[key]
	_, cancelled := c.cancelled[key]
	if !requested && !cancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: unrequested block %v", ErrPeerMisbehavior, key)
	}
	if requested {
		delete(c.requests, key)
		s.pieceRequests[key.piece]--
	} else {
		delete(c.cancelled, key)
	}
	// Reserve the block so it isn't requested again while it's being written.
	owner, reserved := s.outstanding[key]
	if !reserved {
		s.outstanding[key] = c
		owner = c
	}
	s.mu.Unlock()

	res, err := s.store.WriteBlock(key.piece, key.begin, msg.Piece)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding[key] == c {
		delete(s.outstanding, key)
	}
	if owner != c && err == nil {
		// Someone else was asked for this block since.
		s.deleteRequestLocked(owner, key)
		owner.write(pp.MakeCancelMessage(msg.Index, msg.Begin, pp.Integer(len(msg.Piece))))
	}
	switch {
	case errors.Is(err, storage.ErrInvalidBlock):
		return fmt.Errorf("%w: %w", ErrPeerMisbehavior, err)
	case errors.Is(err, storage.ErrClosed):
		return nil
	case err != nil:
		s.storageFailures++
		s.logger.Levelf(log.Warning, "writing block %v (%v consecutive failures): %v", key, s.storageFailures, err)
		if s.cfg.MaxStorageWriteFailures > 0 && s.storageFailures >= s.cfg.MaxStorageWriteFailures {
			s.failLocked(fmt.Errorf("giving up after %d storage write failures: %w", s.storageFailures, err))
		}
		s.updatePieceLocked(key.piece)
		s.scheduleLocked()
		return nil
	}
	s.storageFailures = 0
	c.lastBlock = time.Now()
	c.blocksReceived++
	if res != storage.BlockIgnored {
		m := s.contributors[key.piece]
		if m == nil {
			m = make(map[*PeerConn]struct{})
			s.contributors[key.piece] = m
		}
		m[c] = struct{}{}
	}
	switch res {
	case storage.PieceVerified:
		s.onPieceVerifiedLocked(key.piece)
	case storage.PieceHashFailed, storage.PieceParked:
		s.onPieceFailedLocked(key.piece)
	default:
		s.updatePieceLocked(key.piece)
	}
	s.scheduleLocked()
	return nil
}

func (s *Swarm) onPieceVerifiedLocked(piece int) {
	metrics.PiecesVerified.Inc()
	delete(s.contributors, piece)
	s.order.Delete(piece)
	for c := range s.conns {
		if !c.peerPieces.Contains(uint32(piece)) {
			c.write(pp.MakeHaveMessage(pp.Integer(piece)))
		}
		c.updateInterestLocked()
	}
	if s.store.Complete() {
		s.logger.Levelf(log.Info, "all %v pieces verified", s.md.NumPieces())
	}
}

// Strikes every peer that contributed to the piece, and disconnects the ones that have run out.
func (s *Swarm) onPieceFailedLocked(piece int) {
	metrics.PieceHashFailures.Inc()
	for c := range s.contributors[piece] {
		c.strikes++
		if s.cfg.MaxPeerStrikes > 0 && c.strikes >= s.cfg.MaxPeerStrikes {
			c.close(fmt.Errorf("%w: contributed to %d pieces that failed verification", ErrPeerMisbehavior, c.strikes))
		}
	}
	delete(s.contributors, piece)
	s.updatePieceLocked(piece)
	if s.store.Parked(piece) {
		for c := range s.conns {
			c.updateInterestLocked()
		}
	}
}

type PeerStats struct {
	Addr           netip.AddrPort
	Outgoing       bool
	Client         string
	PeerChoking    bool
	Outstanding    int
	BlocksReceived int
	Strikes        int
}

type Stats struct {
	Peers      []PeerStats
	HalfOpen   int
	Candidates int
	Banned     int
	// Pieces still wanted.
	Wanted int
}

func (s *Swarm) Stats() (ret Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.sortedConnsLocked() {
		ret.Peers = append(ret.Peers, PeerStats{
			Addr:           c.addr,
			Outgoing:       c.outgoing,
			Client:         c.peerClient,
			PeerChoking:    c.peerChoking,
			Outstanding:    len(c.requests),
			BlocksReceived: c.blocksReceived,
			Strikes:        c.strikes,
		})
	}
	ret.HalfOpen = len(s.halfOpen)
	ret.Candidates = s.candidates.Len()
	ret.Banned = len(s.banned)
	ret.Wanted = s.order.Len()
	return
}

func (s *Swarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
