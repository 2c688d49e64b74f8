package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/anacrolix/log"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-handler/internal/testutil"
	"github.com/anacrolix/torrent-handler/metadata"
)

func testMetadata(t *testing.T, tor testutil.Torrent, pieceLength int64) *metadata.TorrentMetadata {
	md, err := metadata.FromInfoBytes(tor.InfoBytes(pieceLength))
	require.NoError(t, err)
	return md
}

func testOpts() Opts {
	return Opts{
		MaxHashFailures: 3,
		Logger:          log.Default,
		CheckFreeSpace:  true,
	}
}

// Writes every block of the piece from the torrent's data.
func writePiece(t *testing.T, s *Store, tor testutil.Torrent, pieceLength int64, piece int) (last WriteResult) {
	data := tor.Piece(pieceLength, piece)
	for off := int64(0); off < int64(len(data)); off += BlockSize {
		end := min(off+BlockSize, int64(len(data)))
		res, err := s.WriteBlock(piece, off, data[off:end])
		require.NoError(t, err)
		last = res
	}
	return
}

func TestOpenAllocatesExactSizes(t *testing.T) {
	tor := testutil.MultiFile()
	md := testMetadata(t, tor, 1<<14)
	dir := testutil.Autodir(t)
	// An oversized leftover must be cut down.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "multi"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "multi", "c"), make([]byte, 100), 0o640))
	s, err := Open(md, dir, testOpts())
	require.NoError(t, err)
	defer s.Close()
	files := s.ListFiles()
	require.Len(t, files, len(tor.Files))
	for i, f := range tor.Files {
		fi, err := os.Stat(files[i])
		require.NoError(t, err)
		assert.EqualValues(t, len(f.Data), fi.Size(), files[i])
	}
	qt.Assert(t, qt.Equals(files[1], filepath.Join(dir, "multi", "sub", "b.bin")))
	qt.Assert(t, qt.Equals(s.NumVerified(), 0))
}

func TestListFilesStableAfterClose(t *testing.T) {
	tor := testutil.TwoPieces()
	s, err := Open(testMetadata(t, tor, testutil.TwoPiecesPieceLength), t.TempDir(), testOpts())
	require.NoError(t, err)
	before := s.ListFiles()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	qt.Assert(t, qt.DeepEquals(s.ListFiles(), before))
}

func TestWriteAndVerifyPieces(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	md := testMetadata(t, tor, pl)
	var events []PieceEvent
	opts := testOpts()
	opts.OnPieceEvent = func(ev PieceEvent) {
		events = append(events, ev)
	}
	dir := t.TempDir()
	s, err := Open(md, dir, opts)
	require.NoError(t, err)
	defer s.Close()
	qt.Assert(t, qt.Equals(s.NumBlocks(0), 1))
	qt.Assert(t, qt.Equals(s.NumBlocks(1), 1))
	qt.Assert(t, qt.Equals(writePiece(t, s, tor, pl, 1), PieceVerified))
	qt.Assert(t, qt.Equals(s.PieceStatus(0), PieceStatusMissing))
	qt.Assert(t, qt.Equals(s.PieceStatus(1), PieceStatusVerified))
	qt.Assert(t, qt.IsFalse(s.Complete()))
	qt.Assert(t, qt.Equals(writePiece(t, s, tor, pl, 0), PieceVerified))
	qt.Assert(t, qt.IsTrue(s.Complete()))
	qt.Assert(t, qt.Equals(s.BytesVerified(), int64(20<<10)))
	qt.Assert(t, qt.DeepEquals(s.Bitfield(), []bool{true, true}))
	qt.Assert(t, qt.DeepEquals(events, []PieceEvent{
		{Index: 1, Result: PieceVerified},
		{Index: 0, Result: PieceVerified},
	}))
	require.NoError(t, s.Flush())
	b, err := os.ReadFile(filepath.Join(dir, tor.Name))
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(string(b), tor.Files[0].Data))
	block, err := s.ReadBlock(1, 100, 10)
	require.NoError(t, err)
	qt.Assert(t, qt.DeepEquals(block, tor.Piece(pl, 1)[100:110]))
}

func TestVerificationIdempotent(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	s, err := Open(testMetadata(t, tor, pl), t.TempDir(), testOpts())
	require.NoError(t, err)
	defer s.Close()
	writePiece(t, s, tor, pl, 0)
	// Rewriting a verified piece, even with garbage, changes nothing.
	res, err := s.WriteBlock(0, 0, make([]byte, BlockSize))
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, BlockIgnored))
	for range 2 {
		ok, err := s.VerifyPiece(0)
		require.NoError(t, err)
		qt.Assert(t, qt.IsTrue(ok))
	}
	qt.Assert(t, qt.Equals(s.NumVerified(), 1))
	qt.Assert(t, qt.Equals(s.BytesVerified(), int64(pl)))
}

func TestHashFailureResetsAndParks(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	var events []PieceEvent
	opts := testOpts()
	opts.OnPieceEvent = func(ev PieceEvent) {
		events = append(events, ev)
	}
	s, err := Open(testMetadata(t, tor, pl), t.TempDir(), opts)
	require.NoError(t, err)
	defer s.Close()
	bad := make([]byte, 4<<10)
	for i := range 2 {
		res, err := s.WriteBlock(1, 0, bad)
		require.NoError(t, err)
		qt.Assert(t, qt.Equals(res, PieceHashFailed), qt.Commentf("attempt %d", i))
		qt.Assert(t, qt.Equals(s.PieceStatus(1), PieceStatusMissing))
	}
	res, err := s.WriteBlock(1, 0, bad)
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, PieceParked))
	qt.Assert(t, qt.IsTrue(s.Parked(1)))
	require.Len(t, events, 3)
	qt.Assert(t, qt.ErrorIs(events[2].Err, ErrPieceCorrupt))
	// Parked pieces take no more data, even good data.
	qt.Assert(t, qt.Equals(writePiece(t, s, tor, pl, 1), BlockIgnored))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	opts := testOpts()
	opts.MaxHashFailures = 2
	s, err := Open(testMetadata(t, tor, pl), t.TempDir(), opts)
	require.NoError(t, err)
	defer s.Close()
	res, err := s.WriteBlock(1, 0, make([]byte, 4<<10))
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, PieceHashFailed))
	qt.Assert(t, qt.Equals(writePiece(t, s, tor, pl, 1), PieceVerified))
}

func TestInvalidBlocks(t *testing.T) {
	tor := testutil.TwoPieces()
	s, err := Open(testMetadata(t, tor, testutil.TwoPiecesPieceLength), t.TempDir(), testOpts())
	require.NoError(t, err)
	defer s.Close()
	for _, c := range []struct {
		piece  int
		offset int64
		length int
	}{
		{2, 0, BlockSize},
		{-1, 0, BlockSize},
		{0, 1, BlockSize},
		{0, 0, BlockSize - 1},
		{1, 0, BlockSize},
		{1, BlockSize, 1},
	} {
		_, err := s.WriteBlock(c.piece, c.offset, make([]byte, c.length))
		assert.ErrorIs(t, err, ErrInvalidBlock, "%+v", c)
	}
	_, err = s.ReadBlock(0, 0, 10)
	qt.Assert(t, qt.ErrorIs(err, ErrPieceNotVerified))
}

func TestMultiBlockPieceInFlight(t *testing.T) {
	tor := testutil.MultiFile()
	const pl = 1 << 15
	s, err := Open(testMetadata(t, tor, pl), t.TempDir(), testOpts())
	require.NoError(t, err)
	defer s.Close()
	data := tor.Piece(pl, 0)
	res, err := s.WriteBlock(0, BlockSize, data[BlockSize:])
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, BlockWritten))
	qt.Assert(t, qt.Equals(s.PieceStatus(0), PieceStatusInFlight))
	qt.Assert(t, qt.IsTrue(s.HaveBlock(0, BlockSize)))
	qt.Assert(t, qt.IsFalse(s.HaveBlock(0, 0)))
	res, err = s.WriteBlock(0, BlockSize, data[BlockSize:])
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, BlockIgnored))
	res, err = s.WriteBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(res, PieceVerified))
}

func TestConcurrentWritesVerifyOnce(t *testing.T) {
	tor := testutil.MultiFile()
	const pl = 1 << 15
	md := testMetadata(t, tor, pl)
	var (
		mu       sync.Mutex
		verified = map[int]int{}
	)
	opts := testOpts()
	opts.OnPieceEvent = func(ev PieceEvent) {
		if ev.Result == PieceVerified {
			mu.Lock()
			verified[ev.Index]++
			mu.Unlock()
		}
	}
	s, err := Open(md, t.TempDir(), opts)
	require.NoError(t, err)
	defer s.Close()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range md.NumPieces() {
				data := tor.Piece(pl, i)
				for off := int64(0); off < int64(len(data)); off += BlockSize {
					end := min(off+BlockSize, int64(len(data)))
					_, err := s.WriteBlock(i, off, data[off:end])
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()
	qt.Assert(t, qt.IsTrue(s.Complete()))
	for i := range md.NumPieces() {
		qt.Assert(t, qt.Equals(verified[i], 1))
	}
}

func TestResumeFromBoltDB(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	md := testMetadata(t, tor, pl)
	dir := t.TempDir()
	db, err := NewBoltResumeDB(dir)
	require.NoError(t, err)
	opts := testOpts()
	opts.ResumeDB = db
	s, err := Open(md, dir, opts)
	require.NoError(t, err)
	writePiece(t, s, tor, pl, 0)
	require.NoError(t, s.Close())
	require.NoError(t, db.Close())

	db, err = NewBoltResumeDB(dir)
	require.NoError(t, err)
	defer db.Close()
	opts.ResumeDB = db
	s, err = Open(md, dir, opts)
	require.NoError(t, err)
	defer s.Close()
	qt.Assert(t, qt.Equals(s.PieceStatus(0), PieceStatusVerified))
	qt.Assert(t, qt.Equals(s.PieceStatus(1), PieceStatusMissing))
}

func TestResumeDistrustsResizedFiles(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	md := testMetadata(t, tor, pl)
	dir := t.TempDir()
	db := NewMapResumeDB()
	require.NoError(t, db.Set(PieceKey{md.InfoHash, 0}, true))
	opts := testOpts()
	opts.ResumeDB = db
	// The file doesn't exist, so the record can't be right.
	s, err := Open(md, dir, opts)
	require.NoError(t, err)
	defer s.Close()
	qt.Assert(t, qt.Equals(s.NumVerified(), 0))
	c, err := db.Get(PieceKey{md.InfoHash, 0})
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(c, Completion{Complete: false, Ok: true}))
}

func TestCheckExistingData(t *testing.T) {
	tor := testutil.TwoPieces()
	const pl = testutil.TwoPiecesPieceLength
	dir := t.TempDir()
	testutil.WriteData(t, dir, tor)
	opts := testOpts()
	opts.CheckExistingData = true
	s, err := Open(testMetadata(t, tor, pl), dir, opts)
	require.NoError(t, err)
	defer s.Close()
	qt.Assert(t, qt.IsTrue(s.Complete()))
}

func TestOpenFailsOnFileInTheWay(t *testing.T) {
	tor := testutil.MultiFile()
	dir := t.TempDir()
	// "multi/sub" needs to be a directory.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "multi"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "multi", "sub"), nil, 0o640))
	_, err := Open(testMetadata(t, tor, 1<<14), dir, testOpts())
	qt.Assert(t, qt.ErrorIs(err, ErrFilesystem))
}
