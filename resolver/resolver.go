// Package resolver turns a magnet link into torrent metadata, from the resume cache, exact source
// URLs, or peers that support ut_metadata.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/torrent-handler/internal/metrics"
	"github.com/anacrolix/torrent-handler/metadata"
)

// Nothing supplied the metadata in time.
var ErrResolutionTimeout = errors.New("metadata resolution timed out")

type Config struct {
	// Bounds the whole resolution. Zero waits until the context is done.
	Timeout time.Duration
	// Peers asked for metadata at the same time.
	PeerConcurrency int
	DialTimeout     time.Duration
	// Bounds the handshake and metadata exchange with a single peer.
	PeerTimeout time.Duration
	// Peers advertising larger info dicts are dropped.
	MaxMetadataSize int
}

func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Minute,
		PeerConcurrency: 8,
		DialTimeout:     20 * time.Second,
		PeerTimeout:     time.Minute,
		MaxMetadataSize: 10_000_000,
	}
}

// Where resolved info dicts are looked up and kept.
type InfoCache interface {
	// Returns nil without error if nothing is cached.
	InfoBytes(metainfo.Hash) ([]byte, error)
	SetInfoBytes(metainfo.Hash, []byte) error
}

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Resolver struct {
	Config
	PeerID        [20]byte
	ClientVersion string
	// Optional.
	Cache      InfoCache
	HTTPClient *http.Client
	UserAgent  string
	// Defaults to a net.Dialer.
	Dialer Dialer
	Logger log.Logger
}

// Resolves the magnet's metadata. Peer addresses to try arrive on peers, which may be closed
// when there are no more. Fails with ErrResolutionTimeout if Timeout passes first.
func (r *Resolver) Resolve(
	ctx context.Context,
	m metadata.Magnet,
	peers <-chan []netip.AddrPort,
) (
	md *metadata.TorrentMetadata, err error,
) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.Timeout, ErrResolutionTimeout)
		defer cancel()
	}
	logger := r.Logger.WithNames("resolver").WithContextValue(m.InfoHash)
	md = r.cached(m.InfoHash, logger)
	if md != nil {
		r.resolved(md, "cache", logger)
		return
	}
	for _, u := range m.ExactSources {
		if !isHTTPURL(u) {
			continue
		}
		md, err = r.fromExactSource(ctx, u, m.InfoHash)
		if err == nil {
			r.resolved(md, "http", logger)
			r.store(md, logger)
			return
		}
		logger.Levelf(log.Debug, "fetching metainfo from %q: %v", u, err)
		if ctx.Err() != nil {
			break
		}
	}
	md, err = r.fromPeers(ctx, m.InfoHash, peers, logger)
	if err != nil {
		if errors.Is(err, ErrResolutionTimeout) {
			err = fmt.Errorf("%w: %v after %v", ErrResolutionTimeout, m.InfoHash, r.Timeout)
		}
		return nil, err
	}
	r.resolved(md, "peer", logger)
	r.store(md, logger)
	return
}

func (r *Resolver) resolved(md *metadata.TorrentMetadata, source string, logger log.Logger) {
	metrics.MetadataResolutions.WithLabelValues(source).Inc()
	logger.Levelf(log.Info, "got metadata for %q from %v", md.Name, source)
}

// Returns the metadata from the cache if it's there and intact.
func (r *Resolver) Cached(ih metainfo.Hash) *metadata.TorrentMetadata {
	return r.cached(ih, r.Logger.WithNames("resolver").WithContextValue(ih))
}

func (r *Resolver) cached(ih metainfo.Hash, logger log.Logger) *metadata.TorrentMetadata {
	if r.Cache == nil {
		return nil
	}
	b, err := r.Cache.InfoBytes(ih)
	if err != nil {
		logger.Levelf(log.Warning, "reading cached info: %v", err)
		return nil
	}
	if b == nil {
		return nil
	}
	if metainfo.HashBytes(b) != ih {
		logger.Levelf(log.Warning, "ignoring cached info with wrong hash")
		return nil
	}
	md, err := metadata.FromInfoBytes(b)
	if err != nil {
		logger.Levelf(log.Warning, "ignoring cached info: %v", err)
		return nil
	}
	return md
}

func (r *Resolver) store(md *metadata.TorrentMetadata, logger log.Logger) {
	if r.Cache == nil {
		return
	}
	err := r.Cache.SetInfoBytes(md.InfoHash, md.InfoBytes)
	if err != nil {
		logger.Levelf(log.Warning, "caching info: %v", err)
	}
}

// Tries peers as they arrive, PeerConcurrency at a time, until one of them supplies metadata
// hashing to ih.
func (r *Resolver) fromPeers(
	ctx context.Context,
	ih metainfo.Hash,
	peers <-chan []netip.AddrPort,
	logger log.Logger,
) (*metadata.TorrentMetadata, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		eg errgroup.Group
		mu sync.Mutex
		md *metadata.TorrentMetadata
	)
	eg.SetLimit(max(r.PeerConcurrency, 1))
	tried := make(map[netip.AddrPort]struct{})
	for ctx.Err() == nil {
		var batch []netip.AddrPort
		select {
		case <-ctx.Done():
			continue
		case addrs, ok := <-peers:
			if !ok {
				// Nothing more is coming, but the peers already started may still deliver.
				peers = nil
				continue
			}
			batch = addrs
		}
		for _, addr := range batch {
			if _, ok := tried[addr]; ok {
				continue
			}
			tried[addr] = struct{}{}
			eg.Go(func() error {
				got, err := r.fetchFromPeer(ctx, addr, ih, logger)
				if err != nil {
					logger.Levelf(log.Debug, "getting metadata from %v: %v", addr, err)
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				if md == nil {
					md = got
					cancel()
				}
				return nil
			})
			if ctx.Err() != nil {
				break
			}
		}
	}
	eg.Wait()
	if md != nil {
		return md, nil
	}
	return nil, context.Cause(ctx)
}
