package torrenthandler

import (
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/discovery"
	"github.com/anacrolix/torrent-handler/metadata"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
	"github.com/anacrolix/torrent-handler/resolver"
	"github.com/anacrolix/torrent-handler/storage"
	"github.com/anacrolix/torrent-handler/swarm"
)

var errStopped = errors.New("download stopped")

// One magnet being downloaded into one directory.
type download struct {
	s          *Session
	magnet     metadata.Magnet
	dir        string
	logger     log.Logger
	db         storage.ResumeDB
	resolver   *resolver.Resolver
	discoverer *discovery.Discoverer
	peerID     [20]byte
	listenPort int
	extensions pp.PeerExtensionBits

	ctx    context.Context
	cancel context.CancelFunc
	// Fresh addresses for the resolver while there's no swarm.
	resolverPeers chan []netip.AddrPort
	gotMetadata   chansync.SetOnce
	completed     chansync.SetOnce
	completeOnce  sync.Once
	// Set once run has released everything.
	done chansync.SetOnce

	mu    sync.Mutex
	state State
	md    *metadata.TorrentMetadata
	store *storage.Store
	swarm *swarm.Swarm
	known map[netip.AddrPort]struct{}
	err   error
}

func (s *Session) newDownload(m metadata.Magnet, dir string, db storage.ResumeDB) *download {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.config
	dl := &download{
		s:             s,
		magnet:        m,
		dir:           dir,
		logger:        s.logger.WithContextValue(m.InfoHash),
		db:            db,
		peerID:        s.peerID,
		listenPort:    s.listenPort,
		extensions:    pp.NewPeerExtensionBytes(pp.ExtensionBitLtep),
		resolverPeers: make(chan []netip.AddrPort),
		state:         StateResolving,
		known:         make(map[netip.AddrPort]struct{}),
	}
	dl.ctx, dl.cancel = context.WithCancel(context.Background())
	dl.resolver = &resolver.Resolver{
		Config:        cfg.Resolver,
		PeerID:        s.peerID,
		ClientVersion: cfg.ExtendedHandshakeClientVersion,
		Cache:         db,
		UserAgent:     cfg.HTTPUserAgent,
		Logger:        s.logger,
	}
	var sources []discovery.Source
	if len(m.PeerAddrs) != 0 {
		sources = append(sources, &discovery.StaticSource{Addrs: m.PeerAddrs})
	}
	if reserve := dl.reservePeers(); len(reserve) != 0 {
		sources = append(sources, &discovery.StaticSource{Addrs: reserve})
	}
	if !cfg.DisableTrackers {
		for _, tr := range slices.Concat(m.Trackers, cfg.ExtraTrackers) {
			sources = append(sources, &discovery.TrackerSource{
				Url:       tr,
				UserAgent: cfg.HTTPUserAgent,
				NumWant:   cfg.NumWant,
				Logger:    s.logger,
			})
		}
	}
	if s.dhtServer != nil {
		dl.extensions.SetBit(pp.ExtensionBitDht, true)
		sources = append(sources, &discovery.DhtSource{
			Server:           s.dhtServer,
			TraversalTimeout: cfg.DhtTraversalTimeout,
			Interval:         cfg.DhtAnnounceInterval,
		})
	}
	dl.discoverer = &discovery.Discoverer{
		Config:  cfg.Discovery,
		Sources: sources,
		Request: dl.announceRequest,
		OnPeers: dl.onPeers,
		Logger:  s.logger.WithNames("discovery"),
	}
	return dl
}

// Peers saved by an earlier run into the same directory.
func (dl *download) reservePeers() (ret []string) {
	peers, err := dl.db.Peers(dl.magnet.InfoHash)
	if err != nil {
		dl.logger.Levelf(log.Warning, "loading reserve peers: %v", err)
	}
	for _, ap := range peers {
		ret = append(ret, ap.String())
	}
	return
}

func (dl *download) saveReservePeers() {
	dl.mu.Lock()
	peers := make([]netip.AddrPort, 0, len(dl.known))
	for addr := range dl.known {
		peers = append(peers, addr)
	}
	dl.mu.Unlock()
	if len(peers) == 0 {
		return
	}
	slices.SortFunc(peers, netip.AddrPort.Compare)
	err := dl.db.SetPeers(dl.magnet.InfoHash, peers)
	if err != nil {
		dl.logger.Levelf(log.Warning, "saving reserve peers: %v", err)
	}
}

func (dl *download) announceRequest() discovery.Request {
	req := discovery.Request{
		InfoHash: dl.magnet.InfoHash,
		PeerID:   dl.peerID,
		Port:     dl.listenPort,
		Left:     -1,
	}
	dl.mu.Lock()
	st := dl.store
	dl.mu.Unlock()
	if st != nil {
		req.Left = st.Metadata().TotalLength() - st.BytesVerified()
		req.Downloaded = st.BytesVerified()
	}
	return req
}

func (dl *download) onPeers(src discovery.Source, addrs []netip.AddrPort) {
	dl.mu.Lock()
	var fresh []netip.AddrPort
	for _, addr := range addrs {
		if _, ok := dl.known[addr]; !ok {
			dl.known[addr] = struct{}{}
			fresh = append(fresh, addr)
		}
	}
	sw := dl.swarm
	dl.mu.Unlock()
	if sw != nil {
		sw.AddPeers(src.String(), addrs)
		return
	}
	if len(fresh) == 0 {
		return
	}
	// Addresses that don't make it to the resolver are still in known for the swarm.
	select {
	case dl.resolverPeers <- fresh:
	case <-dl.gotMetadata.Done():
	case <-dl.ctx.Done():
	}
}

// Allocates the files and marks the metadata as resolved.
func (dl *download) open(md *metadata.TorrentMetadata) error {
	cfg := dl.s.config
	st, err := storage.Open(md, dl.dir, storage.Opts{
		MaxHashFailures:   cfg.MaxPieceHashFailures,
		ResumeDB:          dl.db,
		Logger:            dl.logger,
		OnPieceEvent:      dl.onPieceEvent,
		CheckFreeSpace:    cfg.CheckFreeSpace,
		CheckExistingData: cfg.CheckExistingData,
	})
	if err != nil {
		return err
	}
	dl.mu.Lock()
	dl.md = md
	dl.store = st
	dl.state = StateDownloading
	dl.mu.Unlock()
	dl.s.setFiles(st.ListFiles())
	dl.gotMetadata.Set()
	dl.emit(Event{Type: EventMetadataResolved})
	dl.checkComplete(st)
	return nil
}

func (dl *download) emit(ev Event) {
	ev.InfoHash = dl.magnet.InfoHash
	dl.s.emit(ev)
}

func (dl *download) onPieceEvent(ev storage.PieceEvent) {
	switch ev.Result {
	case storage.PieceVerified:
		dl.emit(Event{Type: EventPieceVerified, Piece: ev.Index})
		dl.mu.Lock()
		st := dl.store
		dl.mu.Unlock()
		dl.checkComplete(st)
	case storage.PieceHashFailed:
		dl.emit(Event{Type: EventPieceHashFailed, Piece: ev.Index})
	case storage.PieceParked:
		dl.emit(Event{Type: EventPieceHashFailed, Piece: ev.Index})
		dl.emit(Event{Type: EventWarning, Piece: ev.Index, Err: ev.Err})
	}
}

func (dl *download) checkComplete(st *storage.Store) {
	if !st.Complete() {
		return
	}
	dl.completeOnce.Do(func() {
		dl.mu.Lock()
		if dl.state == StateDownloading {
			dl.state = StateCompleted
		}
		dl.mu.Unlock()
		dl.completed.Set()
		dl.emit(Event{Type: EventCompleted})
	})
}

func (dl *download) run() {
	defer dl.done.Set()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dl.discoverer.Run(dl.ctx)
	}()
	err := dl.download()
	if err != nil && dl.ctx.Err() == nil {
		dl.fail(err)
	}
	dl.cancel()
	dl.teardown(&wg)
}

// Resolves and downloads until the download is stopped or fails.
func (dl *download) download() error {
	dl.mu.Lock()
	md := dl.md
	dl.mu.Unlock()
	if md == nil {
		var err error
		md, err = dl.resolver.Resolve(dl.ctx, dl.magnet, dl.resolverPeers)
		if err != nil {
			return err
		}
		err = dl.open(md)
		if err != nil {
			return err
		}
	}
	sw := dl.startSwarm()
	select {
	case <-dl.ctx.Done():
		return nil
	case <-sw.Done():
		return sw.Err()
	}
}

func (dl *download) startSwarm() *swarm.Swarm {
	cfg := dl.s.config
	dl.mu.Lock()
	defer dl.mu.Unlock()
	sw := swarm.New(dl.ctx, swarm.Opts{
		Config:        cfg.Swarm,
		Store:         dl.store,
		PeerID:        dl.peerID,
		Extensions:    dl.extensions,
		ListenPort:    dl.listenPort,
		ClientVersion: cfg.ExtendedHandshakeClientVersion,
		Logger:        dl.logger,
		OnWarning: func(err error) {
			dl.emit(Event{Type: EventWarning, Err: err})
		},
		WantPeers: dl.discoverer.Reannounce,
	})
	dl.swarm = sw
	known := make([]netip.AddrPort, 0, len(dl.known))
	for addr := range dl.known {
		known = append(known, addr)
	}
	// The swarm doesn't call back into the download from AddPeers.
	sw.AddPeers("discovery", known)
	return sw
}

func (dl *download) fail(err error) {
	dl.mu.Lock()
	dl.state = StateFailed
	dl.err = err
	dl.mu.Unlock()
	dl.emit(Event{Type: EventFailed, Err: err})
}

// Closes the swarm, waits for discovery to finish its stopped announces up to the shutdown
// timeout, then closes the files and resume database.
func (dl *download) teardown(discoveryWg *sync.WaitGroup) {
	dl.mu.Lock()
	sw := dl.swarm
	dl.mu.Unlock()
	if sw != nil {
		sw.Close()
	}
	discoveryDone := make(chan struct{})
	go func() {
		discoveryWg.Wait()
		close(discoveryDone)
	}()
	timeout := dl.s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	t := time.NewTimer(timeout)
	select {
	case <-discoveryDone:
	case <-t.C:
		dl.logger.Levelf(log.Warning, "discovery didn't stop within %v", timeout)
	}
	t.Stop()
	dl.mu.Lock()
	st := dl.store
	dl.swarm = nil
	if dl.state != StateFailed {
		dl.state = StateStopped
	}
	dl.mu.Unlock()
	if st != nil {
		err := st.Flush()
		if err != nil {
			dl.logger.Levelf(log.Warning, "flushing files: %v", err)
		}
		st.Close()
	}
	dl.saveReservePeers()
	err := dl.db.Close()
	if err != nil {
		dl.logger.Levelf(log.Warning, "closing resume db: %v", err)
	}
}

// Cancels the download and waits for it to release everything. Idempotent.
func (dl *download) stop() {
	dl.cancel()
	<-dl.done.Done()
}

func (dl *download) Err() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.err
}

func (dl *download) stoppedErr() error {
	if err := dl.Err(); err != nil {
		return err
	}
	return errStopped
}

func (dl *download) progress() (ret Progress) {
	dl.mu.Lock()
	ret.State = dl.state
	ret.Err = dl.err
	st := dl.store
	sw := dl.swarm
	dl.mu.Unlock()
	ret.InfoHash = dl.magnet.InfoHash
	ret.Name = dl.magnet.DisplayName
	if st != nil {
		md := st.Metadata()
		ret.Name = md.Name
		ret.Pieces = md.NumPieces()
		ret.PiecesVerified = st.NumVerified()
		ret.Bytes = md.TotalLength()
		ret.BytesVerified = st.BytesVerified()
	}
	if sw != nil {
		ret.Peers = sw.NumConns()
	}
	return
}
