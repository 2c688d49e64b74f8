package torrenthandler

import (
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent-handler/discovery"
	"github.com/anacrolix/torrent-handler/resolver"
	"github.com/anacrolix/torrent-handler/swarm"
	"github.com/anacrolix/torrent-handler/version"
)

type TrackerConfig struct {
	// Don't announce to trackers, including the magnet's.
	DisableTrackers bool
	// Announced to in addition to the magnet's trackers.
	ExtraTrackers []string
	NumWant       int32
}

type DhtConfig struct {
	// Don't create a DHT server.
	NoDHT bool
	// Defaults to the global bootstrap nodes.
	DhtStartingNodes func(network string) dht.StartingNodesGetter
	// Called on the config of the DHT server before it's created.
	ConfigureDhtServer func(*dht.ServerConfig)
	// Bounds each traversal for peers.
	DhtTraversalTimeout time.Duration
	DhtAnnounceInterval time.Duration
}

// Not safe to modify once given to a Session.
type Config struct {
	TrackerConfig
	DhtConfig

	// The TCP address peers connect to. The DHT listens on UDP at the same port.
	ListenHost            string
	ListenPort            int
	AcceptPeerConnections bool
	// Don't ask UPnP gateways to forward ListenPort.
	NoDefaultPortForwarding bool
	UpnpID                  string

	// Exactly 20 bytes. Generated from Bep20 when empty.
	PeerID                         string
	Bep20                          string
	ExtendedHandshakeClientVersion string
	HTTPUserAgent                  string

	Swarm     swarm.Config
	Resolver  resolver.Config
	Discovery discovery.Config

	// Consecutive hash failures before a piece is given up on.
	MaxPieceHashFailures int
	CheckFreeSpace       bool
	// Hash existing files that have no resume record instead of discarding them.
	CheckExistingData bool
	// Start blocks until the metadata is resolved or resolution fails.
	WaitForMetadata bool
	// Bounds how long Stop waits for connections and announces to finish.
	ShutdownTimeout time.Duration

	Logger    log.Logger
	Callbacks Callbacks
}

func NewDefaultConfig() *Config {
	return &Config{
		DhtConfig: DhtConfig{
			DhtStartingNodes: func(network string) dht.StartingNodesGetter {
				return func() ([]dht.Addr, error) { return dht.GlobalBootstrapAddrs(network) }
			},
			DhtTraversalTimeout: time.Minute,
			DhtAnnounceInterval: 5 * time.Minute,
		},
		TrackerConfig: TrackerConfig{
			NumWant: 50,
		},
		ListenPort:                     42069,
		AcceptPeerConnections:          true,
		UpnpID:                         version.DefaultUpnpId,
		Bep20:                          version.DefaultBep20Prefix,
		ExtendedHandshakeClientVersion: version.DefaultExtendedHandshakeClientVersion,
		HTTPUserAgent:                  version.DefaultHttpUserAgent,
		Swarm:                          swarm.DefaultConfig(),
		Resolver:                       resolver.DefaultConfig(),
		Discovery:                      discovery.DefaultConfig(),
		MaxPieceHashFailures:           5,
		CheckFreeSpace:                 true,
		CheckExistingData:              true,
		ShutdownTimeout:                10 * time.Second,
		Logger:                         log.Default.WithNames("torrent-handler"),
	}
}
