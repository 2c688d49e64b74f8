package storage

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/bradfitz/iter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResumeDB(t *testing.T, db ResumeDB) {
	pk := PieceKey{}

	b, err := db.Get(pk)
	require.NoError(t, err)
	assert.False(t, b.Ok)

	require.NoError(t, db.Set(pk, false))

	b, err = db.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: false, Ok: true}, b)

	require.NoError(t, db.Set(pk, true))

	b, err = db.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: true, Ok: true}, b)

	ih := metainfo.HashBytes([]byte("info"))
	info, err := db.InfoBytes(ih)
	require.NoError(t, err)
	assert.Nil(t, info)
	require.NoError(t, db.SetInfoBytes(ih, []byte("info")))
	info, err = db.InfoBytes(ih)
	require.NoError(t, err)
	assert.Equal(t, []byte("info"), info)

	peers, err := db.Peers(ih)
	require.NoError(t, err)
	assert.Empty(t, peers)
	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("[::1]:51413"),
	}
	require.NoError(t, db.SetPeers(ih, want))
	peers, err = db.Peers(ih)
	require.NoError(t, err)
	assert.Equal(t, want, peers)
}

func TestResumePeersCapped(t *testing.T) {
	db := NewMapResumeDB()
	defer db.Close()
	var many []netip.AddrPort
	for i := range iter.N(MaxResumePeers + 10) {
		many = append(many, netip.MustParseAddrPort(fmt.Sprintf("10.0.%d.%d:1", i/256, i%256)))
	}
	ih := metainfo.HashBytes([]byte("many"))
	require.NoError(t, db.SetPeers(ih, many))
	peers, err := db.Peers(ih)
	require.NoError(t, err)
	assert.Equal(t, many[:MaxResumePeers], peers)
}

func TestBoltResumeDB(t *testing.T) {
	db, err := NewBoltResumeDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.Persistent())
	testResumeDB(t, db)
}

func TestMapResumeDB(t *testing.T) {
	db := NewMapResumeDB()
	defer db.Close()
	assert.False(t, db.Persistent())
	testResumeDB(t, db)
}

func TestBoltResumeDBPersists(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBoltResumeDB(dir)
	require.NoError(t, err)
	ih := metainfo.HashBytes([]byte("x"))
	require.NoError(t, db.Set(PieceKey{ih, 7}, true))
	require.NoError(t, db.Close())
	db, err = NewBoltResumeDB(dir)
	require.NoError(t, err)
	defer db.Close()
	c, err := db.Get(PieceKey{ih, 7})
	require.NoError(t, err)
	assert.True(t, c.Complete)
	c, err = db.Get(PieceKey{ih, 8})
	require.NoError(t, err)
	assert.False(t, c.Ok)
}
