// Package storage maps torrent pieces onto files in a download directory, verifies them, and
// persists which pieces are complete.
package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/torrent-handler/metadata"
	pp "github.com/anacrolix/torrent-handler/peer_protocol"
)

// Pieces are received in blocks of this size. The last block of a piece can be short.
const BlockSize = pp.DefaultChunkSize

type PieceStatus int

const (
	PieceStatusMissing PieceStatus = iota
	// At least one block has been received.
	PieceStatusInFlight
	PieceStatusVerified
)

func (ps PieceStatus) String() string {
	switch ps {
	case PieceStatusMissing:
		return "missing"
	case PieceStatusInFlight:
		return "in flight"
	case PieceStatusVerified:
		return "verified"
	}
	return fmt.Sprintf("PieceStatus(%d)", int(ps))
}

type WriteResult int

const (
	// Stored, and the piece is still incomplete.
	BlockWritten WriteResult = iota
	// Duplicate block, or the piece is verified or parked.
	BlockIgnored
	PieceVerified
	// The piece was complete but didn't match its hash, and its blocks were discarded.
	PieceHashFailed
	// The piece failed too many times and won't accept further blocks.
	PieceParked
)

func (wr WriteResult) String() string {
	return [...]string{"written", "ignored", "verified", "hash failed", "parked"}[wr]
}

type PieceEvent struct {
	Index  int
	Result WriteResult
	// Set for PieceParked.
	Err error
}

type Opts struct {
	// Consecutive hash failures before a piece is parked. Zero means never.
	MaxHashFailures int
	ResumeDB        PieceCompletion
	Logger          log.Logger
	// Called without store locks held, after a piece is verified, fails or is parked.
	OnPieceEvent func(PieceEvent)
	// Check that the filesystem has room for the files before allocating.
	CheckFreeSpace bool
	// Hash pieces with no completion record whose files already existed at full size.
	CheckExistingData bool
}

type pieceState struct {
	mu sync.Mutex
	// Received block indices, while the piece isn't verified.
	blocks   roaring.Bitmap
	failures int
	// These are duplicated in Store.verified and Store.parked for lock-free-ish readers.
	verified bool
	parked   bool
}

type Store struct {
	md     *metadata.TorrentMetadata
	base   string
	paths  []string
	io     fileIo
	opts   Opts
	logger log.Logger
	pieces []pieceState

	mu            sync.RWMutex
	verified      roaring.Bitmap
	parked        roaring.Bitmap
	inFlight      roaring.Bitmap
	bytesVerified int64
	closed        bool
}

// Creates the files for md under basePath at their exact lengths and loads persisted completion.
func Open(md *metadata.TorrentMetadata, basePath string, opts Opts) (_ *Store, err error) {
	s := &Store{
		md:     md,
		base:   basePath,
		opts:   opts,
		logger: opts.Logger.WithNames("storage"),
		pieces: make([]pieceState, md.NumPieces()),
	}
	if s.opts.ResumeDB == nil {
		s.opts.ResumeDB = NewMapResumeDB()
	}
	err = os.MkdirAll(basePath, 0o750)
	if err != nil {
		return nil, filesystemError(err, "creating download dir")
	}
	for _, f := range md.Files {
		s.paths = append(s.paths, filepath.Join(basePath, f.Path()))
	}
	if opts.CheckFreeSpace {
		err = s.checkFreeSpace()
		if err != nil {
			return nil, err
		}
	}
	s.io.md = md
	// Files whose existing contents can be trusted.
	intact := make([]bool, len(md.Files))
	defer func() {
		if err != nil {
			s.closeFiles()
		}
	}()
	for i, f := range md.Files {
		var file *os.File
		file, intact[i], err = allocateFile(s.paths[i], f.Length)
		if err != nil {
			return nil, err
		}
		s.io.files = append(s.io.files, file)
	}
	err = s.loadCompletion(intact)
	if err != nil {
		return nil, err
	}
	s.logger.Levelf(log.Debug, "opened %v files in %q, %d/%d pieces verified",
		len(s.paths), basePath, s.NumVerified(), md.NumPieces())
	return s, nil
}

// Opens or creates the file at path truncated to exactly length. intact is whether the file
// already existed at that length.
func allocateFile(path string, length int64) (f *os.File, intact bool, err error) {
	err = os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		err = filesystemError(err, "creating dir for %q", path)
		return
	}
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		err = filesystemError(err, "opening %q", path)
		return
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		err = filesystemError(err, "stat %q", path)
		return
	}
	if fi.IsDir() {
		f.Close()
		err = fmt.Errorf("%w: %q is a directory", ErrFilesystem, path)
		return
	}
	intact = fi.Size() == length
	if !intact {
		// Sparse where the filesystem supports it. This also cuts oversized files down.
		err = f.Truncate(length)
		if err != nil {
			f.Close()
			err = filesystemError(err, "truncating %q to %d", path, length)
			return
		}
	}
	return
}

func (s *Store) checkFreeSpace() error {
	var needed int64
	for i, f := range s.md.Files {
		needed += f.Length
		if fi, err := os.Stat(s.paths[i]); err == nil {
			needed -= min(fi.Size(), f.Length)
		}
	}
	free, ok, err := freeSpace(s.base)
	if err != nil {
		return filesystemError(err, "checking free space")
	}
	if ok && free < needed {
		return fmt.Errorf("%w: %w: need %d bytes, have %d", ErrFilesystem, ErrInsufficientSpace, needed, free)
	}
	return nil
}

func (s *Store) pieceKey(i int) PieceKey {
	return PieceKey{InfoHash: s.md.InfoHash, Index: i}
}

// Pieces touching files that weren't intact are reset, otherwise persisted completion is
// trusted.
func (s *Store) loadCompletion(intact []bool) error {
	for i := range s.pieces {
		pieceIntact := true
		for _, e := range fileExtents(s.md.Files, s.pieceOffset(i), s.md.PieceLen(i)) {
			pieceIntact = pieceIntact && intact[e.index]
		}
		c, err := s.opts.ResumeDB.Get(s.pieceKey(i))
		if err != nil {
			s.logger.Levelf(log.Warning, "getting completion for piece %v: %v", i, err)
			continue
		}
		switch {
		case c.Ok && c.Complete && pieceIntact:
			s.markVerified(i)
		case c.Ok && c.Complete:
			err = s.opts.ResumeDB.Set(s.pieceKey(i), false)
			if err != nil {
				s.logger.Levelf(log.Warning, "resetting completion for piece %v: %v", i, err)
			}
		case !c.Ok && pieceIntact && s.opts.CheckExistingData:
			ok, err := s.VerifyPiece(i)
			if err != nil {
				return err
			}
			if ok {
				s.logger.Levelf(log.Debug, "piece %v already present", i)
			}
		}
	}
	return nil
}

func (s *Store) pieceOffset(i int) int64 {
	return int64(i) * s.md.PieceLength
}

func (s *Store) numBlocks(piece int) int {
	return int((s.md.PieceLen(piece) + BlockSize - 1) / BlockSize)
}

// Length of the block at offset within piece.
func (s *Store) BlockLen(piece int, offset int64) int64 {
	return min(BlockSize, s.md.PieceLen(piece)-offset)
}

func (s *Store) NumBlocks(piece int) int {
	return s.numBlocks(piece)
}

func (s *Store) checkBlock(piece int, offset int64, length int) error {
	if piece < 0 || piece >= len(s.pieces) {
		return fmt.Errorf("%w: piece %d out of range", ErrInvalidBlock, piece)
	}
	if offset < 0 || offset%BlockSize != 0 || offset >= s.md.PieceLen(piece) {
		return fmt.Errorf("%w: bad offset %d in piece %d", ErrInvalidBlock, offset, piece)
	}
	if int64(length) != s.BlockLen(piece, offset) {
		return fmt.Errorf("%w: length %d at offset %d in piece %d", ErrInvalidBlock, length, offset, piece)
	}
	return nil
}

// Stores a received block. When the piece's last block arrives the piece is hashed and either
// verified or reset. Blocks for verified or parked pieces are ignored.
func (s *Store) WriteBlock(piece int, offset int64, data []byte) (res WriteResult, err error) {
	err = s.checkBlock(piece, offset, len(data))
	if err != nil {
		return
	}
	if s.isClosed() {
		return BlockIgnored, ErrClosed
	}
	var ev PieceEvent
	res, ev.Err, err = s.writeBlockLocked(piece, offset, data)
	switch res {
	case PieceVerified, PieceHashFailed, PieceParked:
		ev.Index = piece
		ev.Result = res
		if s.opts.OnPieceEvent != nil {
			s.opts.OnPieceEvent(ev)
		}
	}
	return
}

func (s *Store) writeBlockLocked(piece int, offset int64, data []byte) (res WriteResult, evErr, err error) {
	p := &s.pieces[piece]
	p.mu.Lock()
	defer p.mu.Unlock()
	block := uint32(offset / BlockSize)
	if p.verified || p.parked || p.blocks.Contains(block) {
		return BlockIgnored, nil, nil
	}
	_, err = s.io.WriteAt(data, s.pieceOffset(piece)+offset)
	if err != nil {
		return BlockIgnored, nil, filesystemError(err, "writing piece %d offset %d", piece, offset)
	}
	p.blocks.Add(block)
	if p.blocks.GetCardinality() == 1 {
		s.mu.Lock()
		s.inFlight.Add(uint32(piece))
		s.mu.Unlock()
	}
	if int(p.blocks.GetCardinality()) < s.numBlocks(piece) {
		return BlockWritten, nil, nil
	}
	ok, err := s.hashPieceLocked(piece)
	if err != nil {
		return BlockIgnored, nil, err
	}
	if ok {
		p.failures = 0
		s.setVerifiedLocked(piece)
		return PieceVerified, nil, nil
	}
	p.blocks.Clear()
	p.failures++
	s.mu.Lock()
	s.inFlight.Remove(uint32(piece))
	s.mu.Unlock()
	s.logger.Levelf(log.Debug, "piece %v failed hash check (%v consecutive)", piece, p.failures)
	if s.opts.MaxHashFailures > 0 && p.failures >= s.opts.MaxHashFailures {
		p.parked = true
		s.mu.Lock()
		s.parked.Add(uint32(piece))
		s.mu.Unlock()
		evErr = fmt.Errorf("%w: piece %d failed verification %d times", ErrPieceCorrupt, piece, p.failures)
		s.logger.Levelf(log.Warning, "%v", evErr)
		return PieceParked, evErr, nil
	}
	return PieceHashFailed, nil, nil
}

// Reads the piece back from disk and compares it with its expected hash.
func (s *Store) hashPieceLocked(piece int) (bool, error) {
	b := make([]byte, s.md.PieceLen(piece))
	_, err := s.io.ReadAt(b, s.pieceOffset(piece))
	if err != nil {
		return false, filesystemError(err, "reading back piece %d", piece)
	}
	sum := sha1.Sum(b)
	return bytes.Equal(sum[:], s.md.PieceHashes[piece][:]), nil
}

func (s *Store) setVerifiedLocked(piece int) {
	s.markVerified(piece)
	err := s.opts.ResumeDB.Set(s.pieceKey(piece), true)
	if err != nil {
		s.logger.Levelf(log.Warning, "persisting completion for piece %v: %v", piece, err)
	}
}

func (s *Store) markVerified(piece int) {
	p := &s.pieces[piece]
	p.verified = true
	p.blocks.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verified.CheckedAdd(uint32(piece)) {
		return
	}
	s.inFlight.Remove(uint32(piece))
	s.bytesVerified += s.md.PieceLen(piece)
}

// Hashes the piece's current data. Verified pieces aren't reopened whatever the outcome, so this
// is idempotent.
func (s *Store) VerifyPiece(piece int) (bool, error) {
	panicif.True(piece < 0 || piece >= len(s.pieces))
	p := &s.pieces[piece]
	p.mu.Lock()
	defer p.mu.Unlock()
	ok, err := s.hashPieceLocked(piece)
	if err != nil {
		return false, err
	}
	if ok && !p.verified {
		s.setVerifiedLocked(piece)
	}
	return ok || p.verified, nil
}

// Reads a block of a verified piece.
func (s *Store) ReadBlock(piece int, offset int64, length int) ([]byte, error) {
	if piece < 0 || piece >= len(s.pieces) || offset < 0 || length < 0 ||
		offset+int64(length) > s.md.PieceLen(piece) {
		return nil, fmt.Errorf("%w: piece %d offset %d length %d", ErrInvalidBlock, piece, offset, length)
	}
	if !s.PieceStatus(piece).Verified() {
		return nil, fmt.Errorf("%w: %d", ErrPieceNotVerified, piece)
	}
	b := make([]byte, length)
	_, err := s.io.ReadAt(b, s.pieceOffset(piece)+offset)
	if err != nil {
		return nil, filesystemError(err, "reading piece %d", piece)
	}
	return b, nil
}

func (ps PieceStatus) Verified() bool {
	return ps == PieceStatusVerified
}

func (s *Store) PieceStatus(piece int) PieceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.verified.Contains(uint32(piece)):
		return PieceStatusVerified
	case s.inFlight.Contains(uint32(piece)):
		return PieceStatusInFlight
	}
	return PieceStatusMissing
}

func (s *Store) Parked(piece int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parked.Contains(uint32(piece))
}

// Whether the block has been received for a piece that isn't yet verified.
func (s *Store) HaveBlock(piece int, offset int64) bool {
	p := &s.pieces[piece]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified || p.blocks.Contains(uint32(offset/BlockSize))
}

// A copy of the verified pieces.
func (s *Store) Verified() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified.Clone()
}

func (s *Store) Bitfield() []bool {
	bf := make([]bool, s.md.NumPieces())
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.verified.Iterate(func(x uint32) bool {
		bf[x] = true
		return true
	})
	return bf
}

func (s *Store) NumVerified() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.verified.GetCardinality())
}

func (s *Store) BytesVerified() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesVerified
}

func (s *Store) Complete() bool {
	return s.NumVerified() == s.md.NumPieces()
}

func (s *Store) Metadata() *metadata.TorrentMetadata {
	return s.md
}

// The absolute paths of the files, in torrent order. The layout doesn't change after Open.
func (s *Store) ListFiles() []string {
	return append([]string(nil), s.paths...)
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Syncs all file contents to stable storage.
func (s *Store) Flush() (err error) {
	for i, f := range s.io.files {
		if syncErr := f.Sync(); syncErr != nil && err == nil {
			err = filesystemError(syncErr, "syncing %q", s.paths[i])
		}
	}
	return
}

func (s *Store) closeFiles() (err error) {
	for i, f := range s.io.files {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = filesystemError(closeErr, "closing %q", s.paths[i])
		}
	}
	return
}

// Flushes and closes the files. The ResumeDB is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	// Wait out in-progress writes.
	for i := range s.pieces {
		s.pieces[i].mu.Lock()
	}
	defer func() {
		for i := range s.pieces {
			s.pieces[i].mu.Unlock()
		}
	}()
	flushErr := s.Flush()
	closeErr := s.closeFiles()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
