package swarm

import (
	"cmp"
	"hash/maphash"
	"net/netip"

	"github.com/anacrolix/multiless"
	"github.com/google/btree"
)

type candidate struct {
	addr netip.AddrPort
	// Where the address came from, for logging.
	source string
	// Dials that failed so far.
	attempts int
}

var hashSeed = maphash.MakeSeed()

func (me candidate) addrHash() uint64 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(me.addr.String())
	return h.Sum64()
}

type candidateItem struct {
	candidate
	hash uint64
}

func (me candidateItem) Less(than btree.Item) bool {
	other := than.(candidateItem)
	return multiless.New().Int(
		me.attempts, other.attempts,
	).Cmp(
		cmp.Compare(me.hash, other.hash),
	).Cmp(
		me.addr.Compare(other.addr),
	).Less()
}

// Addresses waiting to be dialed. Fresh addresses come out before ones that have failed, and
// otherwise in a stable pseudo-random order.
type candidatePool struct {
	om     *btree.BTree
	byAddr map[netip.AddrPort]candidateItem
}

func newCandidatePool() candidatePool {
	return candidatePool{
		om:     btree.New(32),
		byAddr: make(map[netip.AddrPort]candidateItem),
	}
}

// Returns false if the address was already waiting.
func (me *candidatePool) Add(c candidate) bool {
	if _, ok := me.byAddr[c.addr]; ok {
		return false
	}
	item := candidateItem{c, c.addrHash()}
	me.om.ReplaceOrInsert(item)
	me.byAddr[c.addr] = item
	return true
}

func (me *candidatePool) Delete(addr netip.AddrPort) {
	item, ok := me.byAddr[addr]
	if !ok {
		return
	}
	me.om.Delete(item)
	delete(me.byAddr, addr)
}

func (me *candidatePool) PopMin() (c candidate, ok bool) {
	i := me.om.DeleteMin()
	if i == nil {
		return
	}
	item := i.(candidateItem)
	delete(me.byAddr, item.addr)
	return item.candidate, true
}

func (me *candidatePool) Len() int {
	return me.om.Len()
}
