// Package active implements the active table: a fixed-capacity circular
// window mapping bundle CIDs to their storage handle while custody
// transfer is outstanding, modelled on the ring-buffer shape the transport
// layer uses for its byte FIFO (internal/fifo), indexed by CID instead of
// byte position.
package active

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/pkg/storage"
)

// Entry is one occupied slot.
type Entry struct {
	CID           uint32
	Queue         storage.Handle
	StorageID     storage.ID
	RetransmitDue time.Time
}

type slot struct {
	present       bool
	cid           uint32
	queue         storage.Handle
	storageID     storage.ID
	retransmitDue time.Time
}

// Table is a ring of K slots indexed by cid mod K.
type Table struct {
	slots     []slot
	oldestCID uint32
	newestCID uint32
	count     int
	cidReuse  bool
	nextCID   uint32
}

// New constructs a table with K slots. cidReuse governs Insert's
// behaviour when the live window is full: if true the oldest live entry
// is evicted (counted as lost) to make room; if false the insert is
// rejected.
func New(k int, cidReuse bool) *Table {
	return &Table{slots: make([]slot, k), cidReuse: cidReuse}
}

// Capacity returns K, the table's fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// Len returns the number of currently occupied slots.
func (t *Table) Len() int { return t.count }

func (t *Table) indexOf(cid uint32) int { return int(cid) % len(t.slots) }

// Insert assigns the next CID to storageID (held in logical queue) with
// the given retransmit deadline and returns it. stats, if non-nil,
// receives lost/active counter updates from any eviction this call
// performs.
func (t *Table) Insert(queue storage.Handle, storageID storage.ID, due time.Time, stats *bplib.StatCounters) (cid uint32, status bplib.Status, flags bplib.Flags) {
	cid = t.nextCID
	idx := t.indexOf(cid)

	if t.slots[idx].present {
		// A present slot at cid mod K is, by construction, still within
		// the live window: Release clears a slot the moment its CID is
		// acknowledged, so anything still present has wrapped the ring.
		flags.Set(bplib.FlagActiveTableWrap)
		if !t.cidReuse {
			log.WithField("cid", cid).Warn("active table full and CID_REUSE disabled, rejecting insert")
			return 0, bplib.StatusActiveTableWrap, flags
		}
		log.WithFields(log.Fields{"evicted_cid": t.slots[idx].cid, "cid": cid}).Warn("active table wrapped, evicting oldest entry to make room")
		t.clearSlot(idx)
		if stats != nil {
			stats.IncLost()
			stats.DecActive()
		}
	}

	t.slots[idx] = slot{present: true, cid: cid, queue: queue, storageID: storageID, retransmitDue: due}
	t.count++
	if stats != nil {
		stats.IncActive()
	}
	if t.count == 1 {
		t.oldestCID = cid
	}
	t.newestCID = cid
	t.nextCID++
	t.advanceOldest()
	return cid, bplib.StatusSuccess, flags
}

func (t *Table) clearSlot(idx int) {
	if t.slots[idx].present {
		t.slots[idx] = slot{}
		t.count--
	}
}

// Release frees the slot holding cid. If cid was the oldest live entry,
// oldestCID advances to the next present slot.
func (t *Table) Release(cid uint32) bplib.Status {
	idx := t.indexOf(cid)
	if !t.slots[idx].present || t.slots[idx].cid != cid {
		return bplib.StatusInvalidDescriptor
	}
	t.clearSlot(idx)
	if cid == t.oldestCID {
		t.advanceOldest()
	}
	return bplib.StatusSuccess
}

// advanceOldest walks forward from the current oldestCID to the next
// present slot, or leaves oldestCID unchanged if the table is now empty.
func (t *Table) advanceOldest() {
	if t.count == 0 {
		return
	}
	for cid := t.oldestCID; cid <= t.newestCID; cid++ {
		idx := t.indexOf(cid)
		if t.slots[idx].present && t.slots[idx].cid == cid {
			t.oldestCID = cid
			return
		}
	}
}

// SetStorageID fills in the storage handle for an already-assigned CID,
// once it becomes known (the enqueue that follows Insert does not itself
// return one — only a later Dequeue or Retrieve does). Reports false if
// cid is no longer present (already released or evicted).
func (t *Table) SetStorageID(cid uint32, id storage.ID) bool {
	idx := t.indexOf(cid)
	if !t.slots[idx].present || t.slots[idx].cid != cid {
		return false
	}
	t.slots[idx].storageID = id
	return true
}

// Get returns the entry for cid, if present.
func (t *Table) Get(cid uint32) (Entry, bool) {
	idx := t.indexOf(cid)
	s := t.slots[idx]
	if !s.present || s.cid != cid {
		return Entry{}, false
	}
	return Entry{CID: s.cid, Queue: s.queue, StorageID: s.storageID, RetransmitDue: s.retransmitDue}, true
}

// RetransmitScan returns every present entry whose retransmit deadline has
// passed as of now, refreshing each one's deadline to now+timeout and
// incrementing stats.retransmitted. pkg/channel's Load runs it on every
// call, before looking at the outbound queues; the scan does not wait for
// the outbound queue to be empty.
func (t *Table) RetransmitScan(now time.Time, timeout time.Duration, stats *bplib.StatCounters) []Entry {
	var due []Entry
	for i := range t.slots {
		s := &t.slots[i]
		if !s.present || s.retransmitDue.After(now) {
			continue
		}
		s.retransmitDue = now.Add(timeout)
		if stats != nil {
			stats.IncRetransmitted()
		}
		due = append(due, Entry{CID: s.cid, Queue: s.queue, StorageID: s.storageID, RetransmitDue: s.retransmitDue})
	}
	if len(due) > 0 {
		log.WithField("count", len(due)).Debug("retransmit scan found entries past deadline")
	}
	return due
}

// Flush returns every currently live entry and empties the table; the
// caller treats each as lost unless it was already acknowledged.
func (t *Table) Flush() []Entry {
	var entries []Entry
	for i := range t.slots {
		s := t.slots[i]
		if s.present {
			entries = append(entries, Entry{CID: s.cid, Queue: s.queue, StorageID: s.storageID, RetransmitDue: s.retransmitDue})
		}
		t.slots[i] = slot{}
	}
	t.count = 0
	return entries
}
