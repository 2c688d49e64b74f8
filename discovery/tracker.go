package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/tracker"
)

// Announces to a HTTP or UDP tracker.
type TrackerSource struct {
	Url       string
	UserAgent string
	NumWant   int32
	// Sent to the tracker so it can tell restarts apart.
	Key    int32
	Logger log.Logger

	// Overridable for tests.
	announce func(tracker.Announce) (tracker.AnnounceResponse, error)
}

var _ Source = (*TrackerSource)(nil)

func (me *TrackerSource) String() string {
	return fmt.Sprintf("tracker %q", me.Url)
}

func trackerEvent(e Event) tracker.AnnounceEvent {
	switch e {
	case EventStarted:
		return tracker.Started
	case EventStopped:
		return tracker.Stopped
	case EventCompleted:
		return tracker.Completed
	}
	return tracker.None
}

func (me *TrackerSource) Announce(ctx context.Context, req Request) (ret Result, err error) {
	do := me.announce
	if do == nil {
		do = func(a tracker.Announce) (tracker.AnnounceResponse, error) {
			return a.Do()
		}
	}
	res, err := do(tracker.Announce{
		TrackerUrl: me.Url,
		Request: tracker.AnnounceRequest{
			InfoHash:   req.InfoHash,
			PeerId:     req.PeerID,
			Downloaded: req.Downloaded,
			Left:       req.Left,
			Uploaded:   req.Uploaded,
			Event:      trackerEvent(req.Event),
			Key:        me.Key,
			NumWant:    me.NumWant,
			Port:       uint16(req.Port),
		},
		Context:   ctx,
		UserAgent: me.UserAgent,
		Logger:    me.Logger.WithContextValue(me.String()),
	})
	if err != nil {
		err = fmt.Errorf("announcing: %w", err)
		return
	}
	ret.Interval = time.Duration(res.Interval) * time.Second
	for _, p := range res.Peers {
		addr, ok := netip.AddrFromSlice(p.IP)
		if !ok || p.Port <= 0 || p.Port > 0xffff {
			continue
		}
		ret.Peers = append(ret.Peers, netip.AddrPortFrom(addr.Unmap(), uint16(p.Port)))
	}
	return
}
