package storage

import (
	"encoding/binary"
	"encoding/json"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"go.etcd.io/bbolt"
)

const (
	boltDbCompleteValue   = "c"
	boltDbIncompleteValue = "i"

	ResumeDBFileName = ".torrent-handler.bolt.db"
)

var (
	completionBucketKey = []byte("completion")
	metadataBucketKey   = []byte("metadata")
	peersBucketKey      = []byte("peers")
)

// Reserve peers kept per torrent.
const MaxResumePeers = 200

// Persists piece completion and info dicts so downloads can resume across restarts.
type ResumeDB interface {
	PieceCompletion
	// Returns nil if there's no cached info for the infohash.
	InfoBytes(metainfo.Hash) ([]byte, error)
	SetInfoBytes(metainfo.Hash, []byte) error
	// Peers to try before discovery has found any.
	Peers(metainfo.Hash) ([]netip.AddrPort, error)
	// Replaces the reserve peers, keeping at most MaxResumePeers.
	SetPeers(metainfo.Hash, []netip.AddrPort) error
	Persistent() bool
}

type boltResumeDB struct {
	db *bbolt.DB
}

var _ ResumeDB = boltResumeDB{}

func NewBoltResumeDB(dir string) (ret ResumeDB, err error) {
	p := filepath.Join(dir, ResumeDBFileName)
	db, err := bbolt.Open(p, 0o660, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return
	}
	db.NoSync = true
	ret = boltResumeDB{db}
	return
}

func (me boltResumeDB) Persistent() bool {
	return true
}

func pieceIndexKey(index int) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(index))
	return key[:]
}

func (me boltResumeDB) Get(pk PieceKey) (cn Completion, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(completionBucketKey)
		if cb == nil {
			return nil
		}
		ih := cb.Bucket(pk.InfoHash[:])
		if ih == nil {
			return nil
		}
		cn.Ok = true
		switch string(ih.Get(pieceIndexKey(pk.Index))) {
		case boltDbCompleteValue:
			cn.Complete = true
		case boltDbIncompleteValue:
			cn.Complete = false
		default:
			cn.Ok = false
		}
		return nil
	})
	return
}

func (me boltResumeDB) Set(pk PieceKey, b bool) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		c, err := tx.CreateBucketIfNotExists(completionBucketKey)
		if err != nil {
			return err
		}
		ih, err := c.CreateBucketIfNotExists(pk.InfoHash[:])
		if err != nil {
			return err
		}
		return ih.Put(pieceIndexKey(pk.Index), []byte(func() string {
			if b {
				return boltDbCompleteValue
			} else {
				return boltDbIncompleteValue
			}
		}()))
	})
}

func (me boltResumeDB) InfoBytes(ih metainfo.Hash) (ret []byte, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metadataBucketKey)
		if mb == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		if v := mb.Get(ih[:]); v != nil {
			ret = append([]byte(nil), v...)
		}
		return nil
	})
	return
}

func (me boltResumeDB) SetInfoBytes(ih metainfo.Hash, b []byte) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(metadataBucketKey)
		if err != nil {
			return err
		}
		return mb.Put(ih[:], b)
	})
}

// Stored as JSON host:port strings.
func (me boltResumeDB) Peers(ih metainfo.Hash) (ret []netip.AddrPort, err error) {
	var strs []string
	err = me.db.View(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(peersBucketKey)
		if pb == nil {
			return nil
		}
		v := pb.Get(ih[:])
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &strs)
	})
	for _, s := range strs {
		ap, parseErr := netip.ParseAddrPort(s)
		if parseErr == nil {
			ret = append(ret, ap)
		}
	}
	return
}

func (me boltResumeDB) SetPeers(ih metainfo.Hash, peers []netip.AddrPort) error {
	strs := make([]string, 0, min(len(peers), MaxResumePeers))
	for _, ap := range peers[:min(len(peers), MaxResumePeers)] {
		strs = append(strs, ap.String())
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return err
	}
	return me.db.Update(func(tx *bbolt.Tx) error {
		pb, err := tx.CreateBucketIfNotExists(peersBucketKey)
		if err != nil {
			return err
		}
		return pb.Put(ih[:], b)
	})
}

func (me boltResumeDB) Close() error {
	return me.db.Close()
}
