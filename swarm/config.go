package swarm

import (
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// Established connections for the torrent.
	MaxConnsPerTorrent int
	// Dials that haven't finished handshaking.
	HalfOpenConns int
	// Outstanding block requests per peer. Lowered to the peer's reqq when it advertises one.
	MaxRequestsPerPeer int
	// A connection with nothing received for this long is closed.
	PeerIdleTimeout time.Duration
	// A keep-alive is sent after this long with nothing written.
	KeepAliveInterval time.Duration
	// Buffered messages not written within this close the connection.
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Hash failures a peer can contribute to before it's disconnected and banned.
	MaxPeerStrikes int
	TickInterval   time.Duration
	// Ticks with nothing connected or dialable before ErrNoPeersAvailable is reported.
	NoPeersRounds int
	// Requests outstanding for longer than this are cancelled and given to other peers.
	RequestTimeout time.Duration
	// Consecutive storage write failures before the download is abandoned.
	MaxStorageWriteFailures int
	// Don't answer block requests.
	NoUpload        bool
	DialRateLimiter *rate.Limiter
}

func DefaultConfig() Config {
	return Config{
		MaxConnsPerTorrent:      50,
		HalfOpenConns:           25,
		MaxRequestsPerPeer:      64,
		PeerIdleTimeout:         3 * time.Minute,
		KeepAliveInterval:       2 * time.Minute,
		WriteTimeout:            time.Minute,
		DialTimeout:             20 * time.Second,
		HandshakeTimeout:        20 * time.Second,
		MaxPeerStrikes:          3,
		TickInterval:            time.Second,
		NoPeersRounds:           30,
		RequestTimeout:          30 * time.Second,
		MaxStorageWriteFailures: 5,
		DialRateLimiter:         rate.NewLimiter(10, 10),
	}
}
