package storage

import (
	"net/netip"
	"os"
	"slices"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
)

type PieceKey struct {
	InfoHash metainfo.Hash
	Index    int
}

type Completion struct {
	Complete bool
	// Whether a record exists at all.
	Ok bool
}

type PieceCompletionGetSetter interface {
	Get(PieceKey) (Completion, error)
	Set(_ PieceKey, complete bool) error
}

// Implementations track the completion of pieces. It must be concurrent-safe.
type PieceCompletion interface {
	PieceCompletionGetSetter
	Close() error
}

// Opens the resume database in dir, falling back to memory if it can't be opened.
func ResumeDBForDir(dir string, logger log.Logger) (ret ResumeDB) {
	os.MkdirAll(dir, 0o750)
	ret, err := NewBoltResumeDB(dir)
	if err != nil {
		logger.Levelf(log.Warning, "couldn't open resume db in %q: %v", dir, err)
		ret = NewMapResumeDB()
	}
	return
}

type mapResumeDB struct {
	mu         sync.RWMutex
	completion map[PieceKey]bool
	infos      map[metainfo.Hash][]byte
	peers      map[metainfo.Hash][]netip.AddrPort
}

var _ ResumeDB = (*mapResumeDB)(nil)

// A ResumeDB that forgets everything on Close.
func NewMapResumeDB() ResumeDB {
	return &mapResumeDB{}
}

func (me *mapResumeDB) Persistent() bool {
	return false
}

func (me *mapResumeDB) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.completion = nil
	me.infos = nil
	me.peers = nil
	return nil
}

func (me *mapResumeDB) Get(pk PieceKey) (c Completion, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	c.Complete, c.Ok = me.completion[pk]
	return
}

func (me *mapResumeDB) Set(pk PieceKey, complete bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	g.MakeMapIfNil(&me.completion)
	me.completion[pk] = complete
	return nil
}

func (me *mapResumeDB) InfoBytes(ih metainfo.Hash) ([]byte, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.infos[ih], nil
}

func (me *mapResumeDB) SetInfoBytes(ih metainfo.Hash, b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	g.MakeMapIfNil(&me.infos)
	me.infos[ih] = append([]byte(nil), b...)
	return nil
}

func (me *mapResumeDB) Peers(ih metainfo.Hash) ([]netip.AddrPort, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return slices.Clone(me.peers[ih]), nil
}

func (me *mapResumeDB) SetPeers(ih metainfo.Hash, peers []netip.AddrPort) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	g.MakeMapIfNil(&me.peers)
	me.peers[ih] = slices.Clone(peers[:min(len(peers), MaxResumePeers)])
	return nil
}
