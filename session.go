package torrenthandler

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/metadata"
	"github.com/anacrolix/torrent-handler/storage"
	"github.com/anacrolix/torrent-handler/swarm"
)

var errNoDownload = errors.New("no download started")

type State int

const (
	StateIdle State = iota
	StateResolving
	StateDownloading
	StateCompleted
	StateFailed
	StateStopped
)

func (me State) String() string {
	switch me {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(me))
}

// Runs one download at a time.
type Session struct {
	config *Config
	logger log.Logger

	// Serializes Start and Stop.
	opMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	peerID      [20]byte
	listenPort  int
	listener    net.Listener
	dhtServer   *dht.Server
	dl          *download
	// The file list of the latest download, kept after it stops.
	files []string
}

func NewSession(cfg *Config) *Session {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Session{
		config: cfg,
		logger: cfg.Logger,
	}
}

// Starts downloading the magnet's content into downloadPath, stopping any download already
// running. Magnet and directory errors are returned here. When the metadata is cached in
// downloadPath the files are also allocated before returning. Later failures arrive as
// EventFailed. Returns downloadPath.
func (s *Session) Start(magnetURL, downloadPath string) (string, error) {
	m, err := metadata.ParseMagnet(magnetURL)
	if err != nil {
		return "", err
	}
	if downloadPath == "" {
		return "", fmt.Errorf("%w: empty download path", ErrFilesystem)
	}
	dl, err := s.startDownload(m, downloadPath)
	if err != nil {
		return "", err
	}
	// Waited on without opMu so Stop can cancel resolution.
	if s.config.WaitForMetadata {
		select {
		case <-dl.gotMetadata.Done():
		case <-dl.done.Done():
			if !dl.gotMetadata.IsSet() {
				return "", dl.stoppedErr()
			}
		}
	}
	return downloadPath, nil
}

func (s *Session) startDownload(m metadata.Magnet, downloadPath string) (*download, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	prev := s.dl
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	err := s.Init()
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(downloadPath, 0o750)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download path: %w", ErrFilesystem, err)
	}
	db := storage.ResumeDBForDir(downloadPath, s.logger)
	dl := s.newDownload(m, downloadPath, db)
	if md := dl.resolver.Cached(m.InfoHash); md != nil {
		err = dl.open(md)
		if err != nil {
			dl.cancel()
			db.Close()
			return nil, err
		}
	}
	s.mu.Lock()
	s.dl = dl
	if dl.store == nil {
		s.files = nil
	}
	s.mu.Unlock()
	go dl.run()
	return dl, nil
}

// The paths of the download's files, in metadata order. Empty until the metadata is resolved.
// After Stop it's the list the download last had.
func (s *Session) GetFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.files)
}

func (s *Session) setFiles(files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
}

// Stops the download, flushing and closing its files and resume database, then releases the
// shared resources. Idempotent.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	dl := s.dl
	s.mu.Unlock()
	if dl != nil {
		dl.stop()
	}
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Session) current() *download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dl
}

func (s *Session) currentSwarm() *swarm.Swarm {
	dl := s.current()
	if dl == nil {
		return nil
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.swarm
}

// Blocks until the current download has metadata, or fails without it.
func (s *Session) WaitMetadata(ctx context.Context) error {
	dl := s.current()
	if dl == nil {
		return errNoDownload
	}
	select {
	case <-dl.gotMetadata.Done():
		return nil
	case <-dl.done.Done():
		if dl.gotMetadata.IsSet() {
			return nil
		}
		return dl.stoppedErr()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Blocks until every piece of the current download is verified.
func (s *Session) WaitComplete(ctx context.Context) error {
	dl := s.current()
	if dl == nil {
		return errNoDownload
	}
	select {
	case <-dl.completed.Done():
		return nil
	case <-dl.done.Done():
		if dl.completed.IsSet() {
			return nil
		}
		return dl.stoppedErr()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

type Progress struct {
	State          State
	InfoHash       metainfo.Hash
	Name           string
	PiecesVerified int
	Pieces         int
	BytesVerified  int64
	Bytes          int64
	Peers          int
	// Why the download failed.
	Err error
}

func (s *Session) Progress() (ret Progress) {
	dl := s.current()
	if dl == nil {
		return
	}
	return dl.progress()
}

func (s *Session) emit(ev Event) {
	level := log.Debug
	switch ev.Type {
	case EventWarning:
		level = log.Warning
	case EventFailed:
		level = log.Error
	case EventMetadataResolved, EventCompleted:
		level = log.Info
	}
	s.logger.Levelf(level, "%v", ev)
	if f := s.config.Callbacks.OnEvent; f != nil {
		f(ev)
	}
}
