package torrenthandler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-handler/internal/testutil"
	"github.com/anacrolix/torrent-handler/metadata"
	"github.com/anacrolix/torrent-handler/storage"
)

func testingConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.NoDHT = true
	cfg.DisableTrackers = true
	cfg.NoDefaultPortForwarding = true
	cfg.AcceptPeerConnections = false
	cfg.Swarm.TickInterval = 10 * time.Millisecond
	cfg.Swarm.DialRateLimiter = nil
	cfg.Resolver.Timeout = 10 * time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.Logger = log.Default
	return cfg
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (me *eventRecorder) onEvent(ev Event) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.events = append(me.events, ev)
}

func (me *eventRecorder) count(typ EventType) (n int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, ev := range me.events {
		if ev.Type == typ {
			n++
		}
	}
	return
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Two seeders that each have one of the two pieces.
func startSplitSeeders(t *testing.T, tor testutil.Torrent) metadata.Magnet {
	m := metadata.Magnet{
		InfoHash:    tor.InfoHash(testutil.TwoPiecesPieceLength),
		DisplayName: tor.Name,
	}
	for _, piece := range []int{0, 1} {
		s := &testutil.Seeder{
			Torrent:     tor,
			PieceLength: testutil.TwoPiecesPieceLength,
			Pieces:      []int{piece},
		}
		m.PeerAddrs = append(m.PeerAddrs, s.Start(t).String())
	}
	return m
}

func TestStartInvalidMagnet(t *testing.T) {
	s := NewSession(testingConfig())
	defer s.Stop()
	for _, uri := range []string{"", "magnet:?dn=nothing", "http://example.com/x.torrent"} {
		p, err := s.Start(uri, t.TempDir())
		qt.Check(t, qt.ErrorIs(err, ErrInvalidMagnet), qt.Commentf("%q", uri))
		qt.Check(t, qt.Equals(p, ""))
	}
	qt.Check(t, qt.HasLen(s.GetFiles(), 0))
}

func TestStartBadDownloadPath(t *testing.T) {
	s := NewSession(testingConfig())
	defer s.Stop()
	m := metadata.Magnet{InfoHash: testutil.Greeting.InfoHash(1 << 14)}
	_, err := s.Start(m.String(), "")
	qt.Check(t, qt.ErrorIs(err, ErrFilesystem))
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o640))
	_, err = s.Start(m.String(), filepath.Join(blocker, "below"))
	qt.Check(t, qt.ErrorIs(err, ErrFilesystem))
}

func TestDownloadFromSplitSeeders(t *testing.T) {
	tor := testutil.TwoPieces()
	m := startSplitSeeders(t, tor)
	var rec eventRecorder
	cfg := testingConfig()
	cfg.Callbacks.OnEvent = rec.onEvent
	s := NewSession(cfg)
	defer s.Stop()
	dir := t.TempDir()
	p, err := s.Start(m.String(), dir)
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(p, dir))
	ctx := waitCtx(t)
	require.NoError(t, s.WaitMetadata(ctx))
	want := []string{filepath.Join(dir, tor.Name)}
	qt.Check(t, qt.DeepEquals(s.GetFiles(), want))
	require.NoError(t, s.WaitComplete(ctx))

	b, err := os.ReadFile(want[0])
	require.NoError(t, err)
	qt.Check(t, qt.Equals(string(b), tor.Files[0].Data))
	prog := s.Progress()
	qt.Check(t, qt.Equals(prog.State, StateCompleted))
	qt.Check(t, qt.Equals(prog.PiecesVerified, 2))
	qt.Check(t, qt.Equals(prog.BytesVerified, int64(20<<10)))
	qt.Check(t, qt.Equals(rec.count(EventMetadataResolved), 1))
	qt.Check(t, qt.Equals(rec.count(EventPieceVerified), 2))
	qt.Check(t, qt.Equals(rec.count(EventCompleted), 1))
	qt.Check(t, qt.Equals(rec.count(EventFailed), 0))

	s.Stop()
	qt.Check(t, qt.DeepEquals(s.GetFiles(), want))
	qt.Check(t, qt.Equals(s.Progress().State, StateStopped))
	fi, err := os.Stat(want[0])
	require.NoError(t, err)
	qt.Check(t, qt.Equals(fi.Size(), int64(20<<10)))
}

func TestResumeAllocatesSynchronously(t *testing.T) {
	tor := testutil.TwoPieces()
	m := startSplitSeeders(t, tor)
	dir := t.TempDir()
	s := NewSession(testingConfig())
	_, err := s.Start(m.String(), dir)
	require.NoError(t, err)
	require.NoError(t, s.WaitComplete(waitCtx(t)))
	s.Stop()
	db, err := storage.NewBoltResumeDB(dir)
	require.NoError(t, err)
	reserve, err := db.Peers(m.InfoHash)
	require.NoError(t, err)
	qt.Check(t, qt.HasLen(reserve, 2))
	require.NoError(t, db.Close())

	// No peers this time: the metadata and piece states come from the resume database.
	var rec eventRecorder
	cfg := testingConfig()
	cfg.Callbacks.OnEvent = rec.onEvent
	s = NewSession(cfg)
	defer s.Stop()
	_, err = s.Start(metadata.Magnet{InfoHash: m.InfoHash}.String(), dir)
	require.NoError(t, err)
	qt.Check(t, qt.DeepEquals(s.GetFiles(), []string{filepath.Join(dir, tor.Name)}))
	qt.Check(t, qt.Equals(rec.count(EventMetadataResolved), 1))
	qt.Check(t, qt.Equals(rec.count(EventCompleted), 1))
	// Pieces restored from the resume database aren't reported as newly verified.
	qt.Check(t, qt.Equals(rec.count(EventPieceVerified), 0))
	require.NoError(t, s.WaitComplete(waitCtx(t)))
	qt.Check(t, qt.Equals(s.Progress().PiecesVerified, 2))
}

func TestWaitForMetadataTimesOut(t *testing.T) {
	var rec eventRecorder
	cfg := testingConfig()
	cfg.WaitForMetadata = true
	cfg.Resolver.Timeout = 100 * time.Millisecond
	cfg.Callbacks.OnEvent = rec.onEvent
	s := NewSession(cfg)
	defer s.Stop()
	m := metadata.Magnet{InfoHash: testutil.Greeting.InfoHash(1 << 14)}
	_, err := s.Start(m.String(), t.TempDir())
	qt.Assert(t, qt.ErrorIs(err, ErrResolutionTimeout))
	qt.Check(t, qt.HasLen(s.GetFiles(), 0))
	prog := s.Progress()
	qt.Check(t, qt.Equals(prog.State, StateFailed))
	qt.Check(t, qt.ErrorIs(prog.Err, ErrResolutionTimeout))
	qt.Check(t, qt.Equals(rec.count(EventFailed), 1))
}

func TestStopCancelsWaitForMetadata(t *testing.T) {
	cfg := testingConfig()
	cfg.WaitForMetadata = true
	cfg.Resolver.Timeout = time.Minute
	s := NewSession(cfg)
	defer s.Stop()
	m := metadata.Magnet{InfoHash: testutil.Greeting.InfoHash(1 << 14)}
	startErr := make(chan error, 1)
	go func() {
		_, err := s.Start(m.String(), t.TempDir())
		startErr <- err
	}()
	require.Eventually(t, func() bool {
		return s.current() != nil
	}, 5*time.Second, time.Millisecond)
	started := time.Now()
	s.Stop()
	qt.Check(t, qt.IsTrue(time.Since(started) < 5*time.Second))
	select {
	case err := <-startErr:
		qt.Check(t, qt.ErrorIs(err, errStopped))
	case <-time.After(5 * time.Second):
		t.Fatal("Start still blocked after Stop")
	}
	qt.Check(t, qt.Equals(s.Progress().State, StateStopped))
}

func TestStopBeforeAnyPieceKeepsDeclaredSizes(t *testing.T) {
	tor := testutil.MultiFile()
	const pl = 1 << 15
	withholding := &testutil.Seeder{Torrent: tor, PieceLength: pl, Pieces: []int{}}
	m := metadata.Magnet{
		InfoHash:  tor.InfoHash(pl),
		PeerAddrs: []string{withholding.Start(t).String()},
	}
	s := NewSession(testingConfig())
	defer s.Stop()
	dir := t.TempDir()
	_, err := s.Start(m.String(), dir)
	require.NoError(t, err)
	require.NoError(t, s.WaitMetadata(waitCtx(t)))
	files := s.GetFiles()
	qt.Assert(t, qt.HasLen(files, len(tor.Files)))
	s.Stop()
	qt.Check(t, qt.Equals(s.Progress().PiecesVerified, 0))
	qt.Check(t, qt.Equals(withholding.BlocksServed.Load(), int64(0)))
	qt.Check(t, qt.DeepEquals(s.GetFiles(), files))
	for i, f := range tor.Files {
		fi, err := os.Stat(files[i])
		require.NoError(t, err)
		qt.Check(t, qt.Equals(fi.Size(), int64(len(f.Data))), qt.Commentf("%q", files[i]))
	}
}

func TestStopIdempotent(t *testing.T) {
	s := NewSession(testingConfig())
	s.Stop()
	m := metadata.Magnet{InfoHash: testutil.Greeting.InfoHash(1 << 14)}
	_, err := s.Start(m.String(), t.TempDir())
	require.NoError(t, err)
	s.Stop()
	s.Stop()
	qt.Check(t, qt.Equals(s.Progress().State, StateStopped))
	qt.Check(t, qt.ErrorIs(s.WaitMetadata(context.Background()), errStopped))
}

func TestStartReplacesDownload(t *testing.T) {
	s := NewSession(testingConfig())
	defer s.Stop()
	first := metadata.Magnet{InfoHash: testutil.Greeting.InfoHash(1 << 14)}
	tor := testutil.TwoPieces()
	second := metadata.Magnet{InfoHash: tor.InfoHash(testutil.TwoPiecesPieceLength)}
	_, err := s.Start(first.String(), t.TempDir())
	require.NoError(t, err)
	prev := s.current()
	_, err = s.Start(second.String(), t.TempDir())
	require.NoError(t, err)
	qt.Check(t, qt.IsTrue(prev.done.IsSet()))
	qt.Check(t, qt.Equals(s.Progress().InfoHash, second.InfoHash))
	qt.Check(t, qt.Equals(s.Progress().State, StateResolving))
}

func TestInitPeerID(t *testing.T) {
	cfg := testingConfig()
	cfg.PeerID = "too short"
	s := NewSession(cfg)
	assert.Error(t, s.Init())

	cfg = testingConfig()
	s = NewSession(cfg)
	require.NoError(t, s.Init())
	defer s.Stop()
	qt.Check(t, qt.StringContains(string(s.peerID[:]), cfg.Bep20))
}
