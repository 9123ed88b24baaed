// Package custody implements the outbound half of custody transfer: the
// accumulator that tracks CIDs this node has taken custody of and decides
// when to emit a delay-tolerant aggregate custody signal (DACS)
// acknowledging them, built on the range-set in internal/rbtree.
package custody

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/internal/rbtree"
)

// Engine accumulates received CIDs pending acknowledgement.
type Engine struct {
	tree                       *rbtree.Tree
	lastEmit                   time.Time
	custodianNode, custodianSv uint64
}

// New constructs an engine backed by a range-set of the given node
// capacity (not CID capacity — one node may cover many adjacent CIDs).
func New(capacity int) *Engine {
	return &Engine{tree: rbtree.New(capacity)}
}

// Accumulate records that cid has been received with custody requested,
// addressed to (custodianNode, custodianService) for acknowledgement.
// If the range-set has no room left, needsImmediateEmit is true and cid
// is NOT recorded — the caller must emit a DACS to drain the set (see
// DrainAll/DrainUpTo) and call Accumulate again.
func (e *Engine) Accumulate(cid uint32, custodianNode, custodianService uint64) (needsImmediateEmit bool, flags bplib.Flags) {
	status, iflags := e.tree.Insert(cid)
	flags |= iflags
	if status == bplib.StatusTreeFull {
		log.WithField("cid", cid).Debug("custody range-set full, caller must drain before retrying")
		return true, flags
	}
	// StatusDuplicate is not an error here: a CID may be reported twice
	// after a retransmit raced with our own DACS.
	e.custodianNode, e.custodianSv = custodianNode, custodianService
	return false, flags
}

// DueForRateEmit reports whether the accumulator should flush based on
// age alone. An empty accumulator is never due, even with rate == 0 (see
// the DACS_RATE=0-with-empty-tree open question).
func (e *Engine) DueForRateEmit(now time.Time, rate time.Duration) bool {
	if e.tree.IsEmpty() {
		return false
	}
	return now.Sub(e.lastEmit) >= rate
}

// IsEmpty reports whether any CIDs are currently accumulated.
func (e *Engine) IsEmpty() bool { return e.tree.IsEmpty() }

// Custodian returns the node/service to address DACS bundles to: the
// custodian of the most recently accumulated bundle.
func (e *Engine) Custodian() (node, service uint64) { return e.custodianNode, e.custodianSv }

// Peek returns every accumulated range without removing it, for a caller
// that needs to measure an encoded payload before committing to drain.
func (e *Engine) Peek() []rbtree.Range {
	var ranges []rbtree.Range
	it := e.tree.First()
	var r rbtree.Range
	for e.tree.Next(&it, &r, false, false) {
		ranges = append(ranges, r)
	}
	return ranges
}

// DrainUpTo removes and returns at most n ranges from the low end of the
// set, rebalancing the tree as it goes so it remains usable afterwards —
// used when a single DACS bundle can't hold every range and the overflow
// policy requires splitting across several, each a contiguous prefix of
// the sorted ranges.
func (e *Engine) DrainUpTo(n int) []rbtree.Range {
	var ranges []rbtree.Range
	it := e.tree.First()
	var r rbtree.Range
	for len(ranges) < n && e.tree.Next(&it, &r, true, true) {
		ranges = append(ranges, r)
	}
	return ranges
}

// DrainAll removes and returns every accumulated range in one pass. The
// non-rebalancing pop mode is safe here because the whole tree is being
// emptied in strict ascending order.
func (e *Engine) DrainAll() []rbtree.Range {
	var ranges []rbtree.Range
	it := e.tree.First()
	var r rbtree.Range
	for e.tree.Next(&it, &r, true, false) {
		ranges = append(ranges, r)
	}
	return ranges
}

// MarkEmitted records that a DACS was just sent, resetting the rate timer.
func (e *Engine) MarkEmitted(now time.Time) { e.lastEmit = now }
