package main

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	torrenthandler "github.com/anacrolix/torrent-handler"
)

const envPrefix = "TORRENT_HANDLER"

// Session settings that can come from a YAML file and TORRENT_HANDLER_* environment variables.
// The environment wins over the file.
type fileConfig struct {
	ListenHost            string        `yaml:"listen_host" envconfig:"LISTEN_HOST"`
	ListenPort            int           `yaml:"listen_port" envconfig:"LISTEN_PORT"`
	AcceptPeerConnections bool          `yaml:"accept_peer_connections" envconfig:"ACCEPT_PEER_CONNECTIONS"`
	NoDHT                 bool          `yaml:"no_dht" envconfig:"NO_DHT"`
	NoPortForwarding      bool          `yaml:"no_port_forwarding" envconfig:"NO_PORT_FORWARDING"`
	DisableTrackers       bool          `yaml:"disable_trackers" envconfig:"DISABLE_TRACKERS"`
	ExtraTrackers         []string      `yaml:"extra_trackers" envconfig:"EXTRA_TRACKERS"`
	NumWant               int32         `yaml:"num_want" envconfig:"NUM_WANT"`
	ResolveTimeout        time.Duration `yaml:"resolve_timeout" envconfig:"RESOLVE_TIMEOUT"`
	MaxConns              int           `yaml:"max_conns" envconfig:"MAX_CONNS"`
	NoUpload              bool          `yaml:"no_upload" envconfig:"NO_UPLOAD"`
	MaxPieceHashFailures  int           `yaml:"max_piece_hash_failures" envconfig:"MAX_PIECE_HASH_FAILURES"`
	CheckExistingData     bool          `yaml:"check_existing_data" envconfig:"CHECK_EXISTING_DATA"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

func fileConfigFrom(cfg *torrenthandler.Config) fileConfig {
	return fileConfig{
		ListenHost:            cfg.ListenHost,
		ListenPort:            cfg.ListenPort,
		AcceptPeerConnections: cfg.AcceptPeerConnections,
		NoDHT:                 cfg.NoDHT,
		NoPortForwarding:      cfg.NoDefaultPortForwarding,
		DisableTrackers:       cfg.DisableTrackers,
		ExtraTrackers:         cfg.ExtraTrackers,
		NumWant:               cfg.NumWant,
		ResolveTimeout:        cfg.Resolver.Timeout,
		MaxConns:              cfg.Swarm.MaxConnsPerTorrent,
		NoUpload:              cfg.Swarm.NoUpload,
		MaxPieceHashFailures:  cfg.MaxPieceHashFailures,
		CheckExistingData:     cfg.CheckExistingData,
		ShutdownTimeout:       cfg.ShutdownTimeout,
	}
}

func (fc fileConfig) apply(cfg *torrenthandler.Config) {
	cfg.ListenHost = fc.ListenHost
	cfg.ListenPort = fc.ListenPort
	cfg.AcceptPeerConnections = fc.AcceptPeerConnections
	cfg.NoDHT = fc.NoDHT
	cfg.NoDefaultPortForwarding = fc.NoPortForwarding
	cfg.DisableTrackers = fc.DisableTrackers
	cfg.ExtraTrackers = fc.ExtraTrackers
	cfg.NumWant = fc.NumWant
	cfg.Resolver.Timeout = fc.ResolveTimeout
	cfg.Swarm.MaxConnsPerTorrent = fc.MaxConns
	cfg.Swarm.NoUpload = fc.NoUpload
	cfg.MaxPieceHashFailures = fc.MaxPieceHashFailures
	cfg.CheckExistingData = fc.CheckExistingData
	cfg.ShutdownTimeout = fc.ShutdownTimeout
}

// Returns the defaults overridden by the YAML file at path, if any, then the environment.
func loadConfig(path string) (*torrenthandler.Config, error) {
	cfg := torrenthandler.NewDefaultConfig()
	fc := fileConfigFrom(cfg)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		err = decodeYAML(b, &fc)
		if err != nil {
			return nil, err
		}
	}
	err := envconfig.Process(envPrefix, &fc)
	if err != nil {
		return nil, err
	}
	fc.apply(cfg)
	return cfg, nil
}

func decodeYAML(b []byte, fc *fileConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(fc)
	// An empty file.
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
