package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
)

// The subset of *dht.Server used to find peers.
type DhtServer interface {
	Announce(infoHash [20]byte, port int, impliedPort bool, opts ...dht.AnnounceOpt) (*dht.Announce, error)
	String() string
}

var _ DhtServer = (*dht.Server)(nil)

// Traverses the DHT for peers, announcing our port when there is one.
type DhtSource struct {
	Server DhtServer
	// Bounds each traversal. The DHT is asked again after Interval.
	TraversalTimeout time.Duration
	Interval         time.Duration
}

var _ Source = (*DhtSource)(nil)

func (me *DhtSource) String() string {
	return fmt.Sprintf("dht server %v", me.Server)
}

func (me *DhtSource) Announce(ctx context.Context, req Request) (ret Result, err error) {
	ret.Interval = me.Interval
	if req.Event == EventStopped {
		return
	}
	if me.TraversalTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, me.TraversalTimeout)
		defer cancel()
	}
	a, err := me.Server.Announce(req.InfoHash, req.Port, false)
	if err != nil {
		err = fmt.Errorf("starting traversal: %w", err)
		return
	}
	defer a.Close()
	seen := make(map[netip.AddrPort]struct{})
	for {
		select {
		case pv, ok := <-a.Peers:
			if !ok {
				return
			}
			for _, ap := range nodeAddrsToAddrPorts(pv.Peers) {
				if _, dup := seen[ap]; !dup {
					seen[ap] = struct{}{}
					ret.Peers = append(ret.Peers, ap)
				}
			}
		case <-ctx.Done():
			// Running out of traversal time is the normal end when the traversal is slow.
			return
		}
	}
}

func nodeAddrsToAddrPorts(nas []krpc.NodeAddr) (ret []netip.AddrPort) {
	for _, na := range nas {
		addr, ok := netip.AddrFromSlice(na.IP)
		if !ok || na.Port <= 0 || na.Port > 0xffff {
			continue
		}
		ret = append(ret, netip.AddrPortFrom(addr.Unmap(), uint16(na.Port)))
	}
	return
}
