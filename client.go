package torrenthandler

import (
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
	"github.com/pkg/errors"
)

// Opens the resources shared by downloads: the peer ID, the listen socket, the DHT server and
// port forwarding. Idempotent. Start calls it when needed.
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Session) initLocked() (err error) {
	if s.initialized {
		return nil
	}
	s.peerID, err = makePeerID(s.config)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.releaseLocked()
		}
	}()
	port := s.config.ListenPort
	if s.config.AcceptPeerConnections {
		var l net.Listener
		l, err = net.Listen("tcp", net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("listening for peers: %w", err)
		}
		s.listener = l
		port = l.Addr().(*net.TCPAddr).Port
		s.listenPort = port
		go s.acceptConnections(l)
	}
	if !s.config.NoDHT {
		err = s.startDht(port)
		if err != nil {
			return fmt.Errorf("starting dht: %w", err)
		}
	}
	if !s.config.NoDefaultPortForwarding && s.listenPort != 0 {
		go s.forwardPort(s.listenPort)
	}
	s.initialized = true
	s.logger.Levelf(log.Debug, "initialized with peer id %q, listening on port %v", s.peerID[:], s.listenPort)
	return nil
}

// Closes the listener and DHT server. Init opens them again.
func (s *Session) releaseLocked() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.listenPort = 0
	if s.dhtServer != nil {
		s.dhtServer.Close()
		s.dhtServer = nil
	}
	s.initialized = false
}

func makePeerID(cfg *Config) (ret [20]byte, err error) {
	if cfg.PeerID != "" {
		if len(cfg.PeerID) != len(ret) {
			err = fmt.Errorf("peer id %q is not %v bytes", cfg.PeerID, len(ret))
			return
		}
		copy(ret[:], cfg.PeerID)
		return
	}
	o := copy(ret[:], cfg.Bep20)
	_, err = rand.Read(ret[o:])
	return
}

func (s *Session) acceptConnections(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Levelf(log.Warning, "accepting peer connections: %v", err)
			}
			return
		}
		sw := s.currentSwarm()
		if sw == nil {
			s.logger.Levelf(log.Debug, "rejecting %v: no active download", nc.RemoteAddr())
			nc.Close()
			continue
		}
		go func() {
			err := sw.AcceptConn(nc)
			if err != nil {
				s.logger.Levelf(log.Debug, "accepting %v: %v", nc.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Session) startDht(port int) error {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.Logger = s.logger.WithNames("dht")
	if s.config.DhtStartingNodes != nil {
		cfg.StartingNodes = s.config.DhtStartingNodes(conn.LocalAddr().Network())
	}
	if s.config.ConfigureDhtServer != nil {
		s.config.ConfigureDhtServer(cfg)
	}
	srv, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return err
	}
	go func() {
		ts, err := srv.Bootstrap()
		if err != nil {
			s.logger.Levelf(log.Warning, "bootstrapping dht: %v", err)
			return
		}
		s.logger.Levelf(log.Debug, "%v completed bootstrap (%+v)", srv, ts)
	}()
	s.dhtServer = srv
	return nil
}

func (s *Session) addPortMapping(d upnp.Device, proto upnp.Protocol, internalPort int) {
	logger := s.logger.WithNames("upnp").WithContextValue(proto).WithDefaultLevel(log.Info)
	externalPort, err := d.AddPortMapping(proto, internalPort, internalPort, s.config.UpnpID, 0)
	if err != nil {
		logger.WithDefaultLevel(log.Warning).Printf("error adding %s port mapping: %s", proto, err)
	} else if externalPort != internalPort {
		logger.WithDefaultLevel(log.Warning).Printf("external port %d does not match internal port %d in port mapping", externalPort, internalPort)
	} else {
		logger.WithDefaultLevel(log.Debug).Printf("forwarded external %s port %d", proto, externalPort)
	}
}

func (s *Session) forwardPort(port int) {
	ds := upnp.Discover(0, 2*time.Second, s.logger.WithNames("upnp"))
	s.logger.Levelf(log.Debug, "discovered %d upnp devices", len(ds))
	for _, d := range ds {
		go s.addPortMapping(d, upnp.TCP, port)
		go s.addPortMapping(d, upnp.UDP, port)
	}
}
