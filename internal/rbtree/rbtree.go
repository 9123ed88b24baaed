// Package rbtree implements a fixed-capacity, free-list-backed red-black
// tree of disjoint, non-adjacent integer ranges: the custody accumulator's
// underlying set-of-CIDs structure (spec §4.3). Insertion of a value
// adjacent to an existing range merges into it instead of allocating a new
// node; deletion may split a range into two. The tree is implemented over
// a preallocated slice of nodes addressed by index rather than pointer,
// mirroring the original C engine's array-backed free list
// (pop_free_node/push_free_node) without relying on pointer arithmetic.
package rbtree

import "github.com/dtnwg/bplib"

type color bool

const (
	red   color = true
	black color = false
)

const nilIdx int32 = -1

type node struct {
	value, offset uint32
	color         color
	left, right   int32
	parent        int32
	freeNext      int32
}

// Range is a closed interval [Value, Value+Offset] of CIDs.
type Range struct {
	Value  uint32
	Offset uint32
}

// End returns the last value covered by the range.
func (r Range) End() uint32 { return r.Value + r.Offset }

// Tree is a fixed-capacity ordered set of uint32 built from merging ranges.
// The zero value is not usable; construct with New.
type Tree struct {
	nodes    []node
	root     int32
	freeHead int32
	size     int
}

// New allocates a tree backed by capacity preallocated node slots. Capacity
// bounds the number of *disjoint ranges*, not the number of values the set
// can hold (a set of every-other-integer needs one node per two values, so
// callers sizing for a CID space should budget accordingly, per spec §4.3).
func New(capacity int) *Tree {
	t := &Tree{}
	t.nodes = make([]node, capacity)
	t.Clear()
	return t
}

// Clear resets the tree to empty, returning every node to the free list.
func (t *Tree) Clear() {
	n := len(t.nodes)
	for i := 0; i < n; i++ {
		t.nodes[i] = node{freeNext: int32(i + 1)}
	}
	if n == 0 {
		t.freeHead = nilIdx
	} else {
		t.nodes[n-1].freeNext = nilIdx
		t.freeHead = 0
	}
	t.root = nilIdx
	t.size = 0
}

func (t *Tree) Capacity() int { return len(t.nodes) }
func (t *Tree) Len() int      { return t.size }
func (t *Tree) IsEmpty() bool { return t.size == 0 }
func (t *Tree) IsFull() bool  { return t.freeHead == nilIdx }

// ---- free list -------------------------------------------------------

func (t *Tree) allocNode(value, offset uint32) (int32, bool) {
	if t.freeHead == nilIdx {
		return nilIdx, false
	}
	idx := t.freeHead
	t.freeHead = t.nodes[idx].freeNext
	t.nodes[idx] = node{value: value, offset: offset, color: red, left: nilIdx, right: nilIdx, parent: nilIdx}
	t.size++
	return idx, true
}

func (t *Tree) freeNode(idx int32) {
	t.nodes[idx] = node{freeNext: t.freeHead}
	t.freeHead = idx
	t.size--
}

// ---- nil-safe accessors ------------------------------------------------

func (t *Tree) parentOf(i int32) int32 {
	if i == nilIdx {
		return nilIdx
	}
	return t.nodes[i].parent
}

func (t *Tree) leftOf(i int32) int32 {
	if i == nilIdx {
		return nilIdx
	}
	return t.nodes[i].left
}

func (t *Tree) rightOf(i int32) int32 {
	if i == nilIdx {
		return nilIdx
	}
	return t.nodes[i].right
}

func (t *Tree) colorOf(i int32) color {
	if i == nilIdx {
		return black
	}
	return t.nodes[i].color
}

func (t *Tree) setColor(i int32, c color) {
	if i != nilIdx {
		t.nodes[i].color = c
	}
}

// ---- rotations ----------------------------------------------------------

func (t *Tree) leftRotate(x int32) {
	y := t.nodes[x].right
	t.nodes[x].right = t.nodes[y].left
	if t.nodes[y].left != nilIdx {
		t.nodes[t.nodes[y].left].parent = x
	}
	t.nodes[y].parent = t.nodes[x].parent
	p := t.nodes[x].parent
	if p == nilIdx {
		t.root = y
	} else if t.nodes[p].left == x {
		t.nodes[p].left = y
	} else {
		t.nodes[p].right = y
	}
	t.nodes[y].left = x
	t.nodes[x].parent = y
}

func (t *Tree) rightRotate(x int32) {
	y := t.nodes[x].left
	t.nodes[x].left = t.nodes[y].right
	if t.nodes[y].right != nilIdx {
		t.nodes[t.nodes[y].right].parent = x
	}
	t.nodes[y].parent = t.nodes[x].parent
	p := t.nodes[x].parent
	if p == nilIdx {
		t.root = y
	} else if t.nodes[p].right == x {
		t.nodes[p].right = y
	} else {
		t.nodes[p].left = y
	}
	t.nodes[y].right = x
	t.nodes[x].parent = y
}

// ---- search: locate the range containing v, or its neighbours -----------

// locate walks the tree for v. If v falls within an existing range it
// returns that node's index and found=true. Otherwise it returns the
// attachment point (parent) and whether v would be a left child of it.
func (t *Tree) locate(v uint32) (idx int32, found bool, parent int32, isLeft bool) {
	cur := t.root
	for cur != nilIdx {
		n := &t.nodes[cur]
		if v >= n.value && v <= n.value+n.offset {
			return cur, true, nilIdx, false
		}
		parent = cur
		if v < n.value {
			isLeft = true
			cur = n.left
		} else {
			isLeft = false
			cur = n.right
		}
	}
	return nilIdx, false, parent, isLeft
}

// predecessorFromAttachment/successorFromAttachment walk parent pointers from an attachment point
// to find the in-order neighbour not reachable by a direct child pointer.
func (t *Tree) predecessorFromAttachment(parent int32, isLeft bool) int32 {
	if !isLeft {
		return parent
	}
	cur := parent
	p := t.nodes[cur].parent
	for p != nilIdx && t.nodes[p].left == cur {
		cur = p
		p = t.nodes[p].parent
	}
	return p
}

func (t *Tree) successorFromAttachment(parent int32, isLeft bool) int32 {
	if isLeft {
		return parent
	}
	cur := parent
	p := t.nodes[cur].parent
	for p != nilIdx && t.nodes[p].right == cur {
		cur = p
		p = t.nodes[p].parent
	}
	return p
}

// ---- insert ---------------------------------------------------------------

// Insert adds v to the set. Returns StatusDuplicate if v is already
// present, StatusTreeFull if a new node was required and none were free.
func (t *Tree) Insert(v uint32) (bplib.Status, bplib.Flags) {
	var flags bplib.Flags

	if t.root == nilIdx {
		idx, ok := t.allocNode(v, 0)
		if !ok {
			flags.Set(bplib.FlagRBTreeFull)
			return bplib.StatusTreeFull, flags
		}
		t.nodes[idx].color = black
		t.root = idx
		return bplib.StatusSuccess, flags
	}

	_, found, parent, isLeft := t.locate(v)
	if found {
		flags.Set(bplib.FlagDuplicates)
		return bplib.StatusDuplicate, flags
	}

	pred := t.predecessorFromAttachment(parent, isLeft)
	succ := t.successorFromAttachment(parent, isLeft)

	predAdjacent := pred != nilIdx && t.nodes[pred].value+t.nodes[pred].offset+1 == v
	succAdjacent := succ != nilIdx && t.nodes[succ].value == v+1

	switch {
	case predAdjacent && succAdjacent:
		// v bridges pred and succ: pred absorbs both, succ is freed.
		t.nodes[pred].offset = t.nodes[succ].value + t.nodes[succ].offset - t.nodes[pred].value
		t.removeNode(succ)
		return bplib.StatusSuccess, flags

	case predAdjacent:
		t.nodes[pred].offset++
		return bplib.StatusSuccess, flags

	case succAdjacent:
		t.nodes[succ].value = v
		t.nodes[succ].offset++
		return bplib.StatusSuccess, flags

	default:
		idx, ok := t.allocNode(v, 0)
		if !ok {
			flags.Set(bplib.FlagRBTreeFull)
			return bplib.StatusTreeFull, flags
		}
		t.nodes[idx].parent = parent
		if isLeft {
			t.nodes[parent].left = idx
		} else {
			t.nodes[parent].right = idx
		}
		t.insertFixup(idx)
		return bplib.StatusSuccess, flags
	}
}

func (t *Tree) insertFixup(z int32) {
	for t.colorOf(t.parentOf(z)) == red {
		p := t.parentOf(z)
		gp := t.parentOf(p)
		if p == t.leftOf(gp) {
			u := t.rightOf(gp)
			if t.colorOf(u) == red {
				t.setColor(p, black)
				t.setColor(u, black)
				t.setColor(gp, red)
				z = gp
			} else {
				if z == t.rightOf(p) {
					z = p
					t.leftRotate(z)
					p = t.parentOf(z)
					gp = t.parentOf(p)
				}
				t.setColor(p, black)
				t.setColor(gp, red)
				t.rightRotate(gp)
			}
		} else {
			u := t.leftOf(gp)
			if t.colorOf(u) == red {
				t.setColor(p, black)
				t.setColor(u, black)
				t.setColor(gp, red)
				z = gp
			} else {
				if z == t.leftOf(p) {
					z = p
					t.rightRotate(z)
					p = t.parentOf(z)
					gp = t.parentOf(p)
				}
				t.setColor(p, black)
				t.setColor(gp, red)
				t.leftRotate(gp)
			}
		}
	}
	t.setColor(t.root, black)
}

// ---- delete (value removal from the set, with range split/shrink) -------

// Delete removes v from the set. A no-op (StatusSuccess) if v is not
// present. Splitting an interior value out of a range may need a fresh
// node; if none is free, StatusTreeFull is returned and the tree is left
// unchanged.
func (t *Tree) Delete(v uint32) bplib.Status {
	idx, found, _, _ := t.locate(v)
	if !found {
		return bplib.StatusSuccess
	}
	n := &t.nodes[idx]

	switch {
	case n.offset == 0:
		t.removeNode(idx)

	case v == n.value:
		n.value++
		n.offset--

	case v == n.value+n.offset:
		n.offset--

	default:
		// interior: shrink [value, v-1], allocate [v+1, oldEnd]
		oldEnd := n.value + n.offset
		newIdx, ok := t.allocNode(v+1, oldEnd-(v+1))
		if !ok {
			return bplib.StatusTreeFull
		}
		n.offset = v - n.value - 1
		t.attachAsSuccessor(idx, newIdx)
	}
	return bplib.StatusSuccess
}

// attachAsSuccessor inserts newIdx as the in-order successor of of_, which
// is known to have no node between them yet (of_'s old right subtree, if
// any, becomes newIdx's right subtree).
func (t *Tree) attachAsSuccessor(of_, newIdx int32) {
	if t.nodes[of_].right == nilIdx {
		t.nodes[of_].right = newIdx
		t.nodes[newIdx].parent = of_
	} else {
		cur := t.nodes[of_].right
		for t.nodes[cur].left != nilIdx {
			cur = t.nodes[cur].left
		}
		t.nodes[cur].left = newIdx
		t.nodes[newIdx].parent = cur
	}
	t.insertFixup(newIdx)
}

func (t *Tree) transplant(u, v int32) {
	p := t.parentOf(u)
	if p == nilIdx {
		t.root = v
	} else if t.nodes[p].left == u {
		t.nodes[p].left = v
	} else {
		t.nodes[p].right = v
	}
	if v != nilIdx {
		t.nodes[v].parent = p
	}
}

func (t *Tree) minimum(x int32) int32 {
	for t.nodes[x].left != nilIdx {
		x = t.nodes[x].left
	}
	return x
}

// removeNode deletes a node entirely from the tree (standard RB-DELETE),
// rebalancing to preserve all red-black invariants, and returns it to the
// free list.
func (t *Tree) removeNode(z int32) {
	y := z
	yOrigColor := t.colorOf(y)
	var x, xParent int32

	switch {
	case t.nodes[z].left == nilIdx:
		x = t.nodes[z].right
		xParent = t.parentOf(z)
		t.transplant(z, t.nodes[z].right)
	case t.nodes[z].right == nilIdx:
		x = t.nodes[z].left
		xParent = t.parentOf(z)
		t.transplant(z, t.nodes[z].left)
	default:
		y = t.minimum(t.nodes[z].right)
		yOrigColor = t.colorOf(y)
		x = t.nodes[y].right
		if t.parentOf(y) == z {
			xParent = y
		} else {
			xParent = t.parentOf(y)
			t.transplant(y, t.nodes[y].right)
			t.nodes[y].right = t.nodes[z].right
			t.nodes[t.nodes[y].right].parent = y
		}
		t.transplant(z, y)
		t.nodes[y].left = t.nodes[z].left
		t.nodes[t.nodes[y].left].parent = y
		t.setColor(y, t.colorOf(z))
	}

	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
	t.freeNode(z)
}

func (t *Tree) deleteFixup(x, xParent int32) {
	for x != t.root && t.colorOf(x) == black {
		if x == t.leftOf(xParent) {
			w := t.rightOf(xParent)
			if t.colorOf(w) == red {
				t.setColor(w, black)
				t.setColor(xParent, red)
				t.leftRotate(xParent)
				w = t.rightOf(xParent)
			}
			if t.colorOf(t.leftOf(w)) == black && t.colorOf(t.rightOf(w)) == black {
				t.setColor(w, red)
				x = xParent
				xParent = t.parentOf(x)
			} else {
				if t.colorOf(t.rightOf(w)) == black {
					t.setColor(t.leftOf(w), black)
					t.setColor(w, red)
					t.rightRotate(w)
					w = t.rightOf(xParent)
				}
				t.setColor(w, t.colorOf(xParent))
				t.setColor(xParent, black)
				t.setColor(t.rightOf(w), black)
				t.leftRotate(xParent)
				x = t.root
			}
		} else {
			w := t.leftOf(xParent)
			if t.colorOf(w) == red {
				t.setColor(w, black)
				t.setColor(xParent, red)
				t.rightRotate(xParent)
				w = t.leftOf(xParent)
			}
			if t.colorOf(t.rightOf(w)) == black && t.colorOf(t.leftOf(w)) == black {
				t.setColor(w, red)
				x = xParent
				xParent = t.parentOf(x)
			} else {
				if t.colorOf(t.leftOf(w)) == black {
					t.setColor(t.rightOf(w), black)
					t.setColor(w, red)
					t.leftRotate(w)
					w = t.leftOf(xParent)
				}
				t.setColor(w, t.colorOf(xParent))
				t.setColor(xParent, black)
				t.setColor(t.leftOf(w), black)
				t.rightRotate(xParent)
				x = t.root
			}
		}
	}
	t.setColor(x, black)
}

// ---- ordered drain --------------------------------------------------------

// Iterator walks ranges in ascending order. Zero value is exhausted.
type Iterator struct {
	cur int32
}

// First positions an iterator at the lowest range, if any.
func (t *Tree) First() Iterator {
	if t.root == nilIdx {
		return Iterator{cur: nilIdx}
	}
	return Iterator{cur: t.minimum(t.root)}
}

func (t *Tree) inorderSuccessor(x int32) int32 {
	if t.nodes[x].right != nilIdx {
		return t.minimum(t.nodes[x].right)
	}
	y := t.nodes[x].parent
	for y != nilIdx && x == t.nodes[y].right {
		x = y
		y = t.nodes[y].parent
	}
	return y
}

// Next writes the current range into out and advances the iterator,
// returning false once exhausted.
//
// shouldPop removes the yielded node from the tree as it is visited.
// shouldRebalance controls how: true performs a full RB-DELETE preserving
// every invariant (safe to keep using the tree afterwards); false performs
// a cheap single-parent rewire that is only correct because the traversal
// is strictly in-order (each node's left subtree is already drained by the
// time it is visited) and because the tree is abandoned once the drain
// completes — this is the mode DACS serialisation uses.
func (t *Tree) Next(it *Iterator, out *Range, shouldPop, shouldRebalance bool) bool {
	if it.cur == nilIdx {
		return false
	}
	cur := it.cur
	out.Value = t.nodes[cur].value
	out.Offset = t.nodes[cur].offset
	next := t.inorderSuccessor(cur)

	if shouldPop {
		if shouldRebalance {
			t.removeNode(cur)
		} else {
			t.unlinkCheap(cur)
		}
	}
	it.cur = next
	return true
}

func (t *Tree) unlinkCheap(cur int32) {
	p := t.nodes[cur].parent
	r := t.nodes[cur].right
	if r != nilIdx {
		t.nodes[r].parent = p
	}
	if p == nilIdx {
		t.root = r
	} else if t.nodes[p].left == cur {
		t.nodes[p].left = r
	} else {
		t.nodes[p].right = r
	}
	t.freeNode(cur)
}
