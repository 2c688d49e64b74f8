// Package discovery finds peers for an infohash from trackers, the DHT and magnet peer hints.
package discovery

import (
	"context"
	"net/netip"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	return [...]string{"none", "started", "stopped", "completed"}[e]
}

type Request struct {
	InfoHash metainfo.Hash
	PeerID   [20]byte
	// Our listen port. Zero if we don't accept connections.
	Port       int
	Event      Event
	Left       int64
	Downloaded int64
	Uploaded   int64
}

type Result struct {
	Peers []netip.AddrPort
	// When the source wants to be asked again. Zero leaves it to the caller.
	Interval time.Duration
}

type Source interface {
	// Identifies the source in logs.
	String() string
	Announce(ctx context.Context, req Request) (Result, error)
}
