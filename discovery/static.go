package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Peer addresses known up front, such as magnet "x.pe" hints. Hostnames are resolved on each
// announce.
type StaticSource struct {
	Addrs    []string
	Interval time.Duration
	Resolver *net.Resolver
}

var _ Source = (*StaticSource)(nil)

func (me *StaticSource) String() string {
	return fmt.Sprintf("%d static peers", len(me.Addrs))
}

func (me *StaticSource) Announce(ctx context.Context, req Request) (ret Result, err error) {
	ret.Interval = me.Interval
	if req.Event == EventStopped {
		return
	}
	resolver := me.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	var lastErr error
	for _, s := range me.Addrs {
		if ap, parseErr := netip.ParseAddrPort(s); parseErr == nil {
			ret.Peers = append(ret.Peers, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
			continue
		}
		host, portStr, splitErr := net.SplitHostPort(s)
		if splitErr != nil {
			lastErr = splitErr
			continue
		}
		port, convErr := strconv.ParseUint(portStr, 10, 16)
		if convErr != nil {
			lastErr = fmt.Errorf("parsing port in %q: %w", s, convErr)
			continue
		}
		addrs, lookupErr := resolver.LookupNetIP(ctx, "ip", host)
		if lookupErr != nil {
			lastErr = lookupErr
			continue
		}
		for _, a := range addrs {
			ret.Peers = append(ret.Peers, netip.AddrPortFrom(a.Unmap(), uint16(port)))
		}
	}
	if len(ret.Peers) == 0 && lastErr != nil {
		err = lastErr
	}
	return
}
