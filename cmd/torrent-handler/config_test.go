package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	torrenthandler "github.com/anacrolix/torrent-handler"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	def := torrenthandler.NewDefaultConfig()
	qt.Check(t, qt.Equals(cfg.ListenPort, def.ListenPort))
	qt.Check(t, qt.Equals(cfg.Resolver.Timeout, def.Resolver.Timeout))
	qt.Check(t, qt.Equals(cfg.NoDHT, false))
	qt.Check(t, qt.Equals(cfg.NumWant, def.NumWant))
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port: 6000
no_dht: true
resolve_timeout: 30s
num_want: 80
extra_trackers:
  - udp://tracker.example:1337/announce
`), 0o640))
	t.Setenv("TORRENT_HANDLER_LISTEN_PORT", "7000")
	t.Setenv("TORRENT_HANDLER_MAX_CONNS", "3")
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	qt.Check(t, qt.Equals(cfg.ListenPort, 7000))
	qt.Check(t, qt.IsTrue(cfg.NoDHT))
	qt.Check(t, qt.Equals(cfg.Resolver.Timeout, 30*time.Second))
	qt.Check(t, qt.Equals(cfg.Swarm.MaxConnsPerTorrent, 3))
	qt.Check(t, qt.Equals(cfg.NumWant, int32(80)))
	qt.Check(t, qt.DeepEquals(cfg.ExtraTrackers, []string{"udp://tracker.example:1337/announce"}))
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_prot: 1\n"), 0o640))
	_, err := loadConfig(path)
	qt.Check(t, qt.IsNotNil(err))
}

func TestLoadConfigEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o640))
	_, err := loadConfig(path)
	require.NoError(t, err)
}
