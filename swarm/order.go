package swarm

import (
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/tidwall/btree"
)

type pieceOrderState struct {
	// Connected peers that have the piece.
	Availability int
	// Some blocks are received or requested.
	Partial bool
}

type pieceOrderItem struct {
	index int
	state pieceOrderState
}

// Rarest first, then pieces already started, then index so the order is total.
func pieceOrderLess(i, j *pieceOrderItem) multiless.Computation {
	return multiless.New().Int(
		i.state.Availability, j.state.Availability,
	).Bool(
		j.state.Partial, i.state.Partial,
	).Int(
		i.index, j.index,
	)
}

// The pieces still wanted, in the order they should be requested.
type pieceOrder struct {
	tree     *btree.BTreeG[pieceOrderItem]
	pathHint btree.PathHint
	keys     map[int]pieceOrderState
}

func newPieceOrder(cap int) *pieceOrder {
	return &pieceOrder{
		tree: btree.NewBTreeGOptions(
			func(a, b pieceOrderItem) bool {
				return pieceOrderLess(&a, &b).Less()
			},
			btree.Options{NoLocks: true}),
		keys: make(map[int]pieceOrderState, cap),
	}
}

// Adds or updates the piece. Returns whether anything changed.
func (me *pieceOrder) Set(index int, state pieceOrderState) bool {
	if old, ok := me.keys[index]; ok {
		if old == state {
			return false
		}
		_, deleted := me.tree.DeleteHint(pieceOrderItem{index, old}, &me.pathHint)
		panicif.False(deleted)
	}
	_, replaced := me.tree.SetHint(pieceOrderItem{index, state}, &me.pathHint)
	panicif.True(replaced)
	me.keys[index] = state
	return true
}

func (me *pieceOrder) Get(index int) (state pieceOrderState, ok bool) {
	state, ok = me.keys[index]
	return
}

func (me *pieceOrder) Delete(index int) bool {
	state, ok := me.keys[index]
	if !ok {
		return false
	}
	_, deleted := me.tree.DeleteHint(pieceOrderItem{index, state}, &me.pathHint)
	panicif.False(deleted)
	delete(me.keys, index)
	return true
}

func (me *pieceOrder) Len() int {
	return len(me.keys)
}

// Pieces in request order until f returns false. The order must not be modified during the
// scan.
func (me *pieceOrder) Scan(f func(index int, state pieceOrderState) bool) {
	me.tree.Scan(func(item pieceOrderItem) bool {
		return f(item.index, item.state)
	})
}
