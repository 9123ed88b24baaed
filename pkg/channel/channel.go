// Package channel implements the per-flow bundle channel: the state
// machine that turns application payloads into wire bundles and back,
// binds them to a storage service, tracks custody identifiers through the
// active table, and drains the custody accumulator into outbound DACS
// bundles — composing pkg/storage, pkg/active, pkg/custody and pkg/bundle
// under a single lock, the way a protocol client in this codebase
// composes its lower layers under one (SDOClient, NMT, ...).
package channel

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/pkg/active"
	"github.com/dtnwg/bplib/pkg/bundle"
	"github.com/dtnwg/bplib/pkg/custody"
	"github.com/dtnwg/bplib/pkg/storage"
)

// Config parameterises Open: the knobs that exist for the channel's
// lifetime and aren't part of bplib.Attrs (which can change after open
// via Config).
type Config struct {
	StoreKind       string // storage backend name registered under pkg/storage, e.g. "ram" or "file"
	StoreName       string // backend-specific base name (ignored by ram, a directory for file)
	MaxQueueDepth   int    // 0 means unbounded
	ActiveCapacity  int    // K, the active table's ring size
	CustodyCapacity int    // range-set node capacity for the custody accumulator
}

// Channel is one bound, stateful flow between a local and a remote
// endpoint. All mutating operations are serialised by mu.
type Channel struct {
	mu sync.Mutex

	route bplib.Route
	attrs bplib.Attrs

	store                              storage.Service
	hBundle, hPayload, hDACS, hForward storage.Handle
	activeTable                        *active.Table
	custodyEngine                      *custody.Engine
	stats                              *bplib.StatCounters
	creationSeq                        uint64

	log *log.Entry
}

// Open constructs a channel bound to route, with the given policy
// attributes and storage configuration, and creates its four logical
// queues (outbound bundles, inbound payloads, outbound DACS records, and
// bundles addressed elsewhere awaiting relay).
func Open(route bplib.Route, attrs bplib.Attrs, cfg Config) (*Channel, bplib.Status) {
	svc, err := storage.New(cfg.StoreKind, cfg.StoreName)
	if err != nil {
		return nil, bplib.StatusParmErr
	}

	c := &Channel{
		route:         route,
		attrs:         attrs,
		store:         svc,
		activeTable:   active.New(cfg.ActiveCapacity, attrs.CIDReuse()),
		custodyEngine: custody.New(cfg.CustodyCapacity),
		stats:         bplib.NewStatCounters(),
		log: log.WithFields(log.Fields{
			"channel": fmt.Sprintf("ipn:%d.%d->%d.%d", route.LocalNode, route.LocalService, route.DestNode, route.DestService),
		}),
	}

	queues := []struct {
		name string
		h    *storage.Handle
	}{
		{"bundle", &c.hBundle},
		{"payload", &c.hPayload},
		{"dacs", &c.hDACS},
		{"forward", &c.hForward},
	}
	for _, q := range queues {
		h, status := svc.Create(storage.QueueConfig{Name: q.name, MaxDepth: cfg.MaxQueueDepth})
		if status != bplib.StatusSuccess {
			return nil, status
		}
		*q.h = h
	}

	c.log.Debug("channel opened")
	return c, bplib.StatusSuccess
}

// Close destroys every queue this channel owns. Anything still
// unacknowledged in the active table is abandoned, not flushed; call
// Flush first if that accounting matters to the caller.
func (c *Channel) Close() bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range []storage.Handle{c.hBundle, c.hPayload, c.hDACS, c.hForward} {
		c.store.Destroy(h)
	}
	return bplib.StatusSuccess
}

// cidAssigner returns an AssignCID callback for bundle.Emit/
// EncodeCustodySignal that reserves one active-table slot per call,
// tagged with queue, and records every CID it hands out in *assigned so
// the caller can roll them back if encoding fails afterwards. The first
// failure short-circuits subsequent calls (Emit keeps calling the
// callback once per fragment even after one fails).
func (c *Channel) cidAssigner(queue storage.Handle, due time.Time, assigned *[]uint32, flags *bplib.Flags, failure *bplib.Status) func() uint32 {
	return func() uint32 {
		if *failure != bplib.StatusSuccess {
			return 0
		}
		cid, status, aflags := c.activeTable.Insert(queue, storage.ID{}, due, c.stats)
		*flags |= aflags
		if status != bplib.StatusSuccess {
			*failure = status
			return 0
		}
		*assigned = append(*assigned, cid)
		return cid
	}
}

func (c *Channel) rollback(cids []uint32) {
	for _, cid := range cids {
		if c.activeTable.Release(cid) == bplib.StatusSuccess {
			c.stats.DecActive()
		}
	}
}

// Store generates one or more wire bundles carrying payload (fragmenting
// per attrs if it doesn't fit in one), assigns each a CID and active-table
// slot, and enqueues them on the outbound queue.
func (c *Channel) Store(payload []byte, timeout time.Duration) (bplib.Status, bplib.Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flags bplib.Flags
	seq := c.creationSeq

	var assigned []uint32
	var failure bplib.Status
	due := time.Now().Add(c.attrs.Timeout())
	assign := c.cidAssigner(c.hBundle, due, &assigned, &flags, &failure)

	frames, status, eflags := bundle.Emit(c.route, c.attrs, payload, bundle.Params{
		CreationTime: uint64(time.Now().Unix()), CreationSeq: seq, AssignCID: assign,
	})
	flags |= eflags

	if failure != bplib.StatusSuccess {
		c.rollback(assigned)
		if failure == bplib.StatusActiveTableWrap {
			return bplib.StatusStoreFailure, flags
		}
		return failure, flags
	}
	if status != bplib.StatusSuccess {
		c.rollback(assigned)
		return status, flags
	}
	c.creationSeq++

	for _, frame := range frames {
		if eqStatus := c.store.Enqueue(c.hBundle, frame, nil, timeout); eqStatus != bplib.StatusSuccess {
			flags.Set(bplib.FlagStoreFailure)
			c.rollback(assigned)
			return bplib.StatusStoreFailure, flags
		}
		c.stats.IncGenerated()
		c.stats.IncBundles()
	}
	return bplib.StatusSuccess, flags
}

// Load returns the next bundle ready for transmission: a retransmit scan
// runs first (refreshing overdue entries back into their owning queue),
// then a due DACS is emitted if the custody engine calls for one, and
// finally the DACS queue is checked ahead of the bundle queue so control
// traffic doesn't wait behind a backlog of data bundles. The returned id
// must be passed to AckBundle once the caller has actually sent the
// frame, ending its borrow on the stored copy.
func (c *Channel) Load(timeout time.Duration) (frame []byte, id storage.ID, status bplib.Status, flags bplib.Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, e := range c.activeTable.RetransmitScan(now, c.attrs.Timeout(), c.stats) {
		data, rstatus := c.store.Retrieve(e.Queue, e.StorageID)
		if rstatus != bplib.StatusSuccess {
			flags.Set(bplib.FlagStoreFailure)
			continue
		}
		if eqStatus := c.store.Enqueue(e.Queue, data, nil, 0); eqStatus != bplib.StatusSuccess {
			flags.Set(bplib.FlagStoreFailure)
			c.store.Release(e.Queue, e.StorageID)
			continue
		}
		c.store.Relinquish(e.Queue, e.StorageID)
	}

	if c.custodyEngine.DueForRateEmit(now, c.attrs.DACSRate()) {
		dstatus, dflags := c.emitDACS(now)
		flags |= dflags
		if dstatus != bplib.StatusSuccess {
			c.log.WithError(dstatus).Warn("DACS emission failed")
		}
	}

	data, sid, dqStatus := c.store.Dequeue(c.hDACS, 0)
	if dqStatus != bplib.StatusSuccess {
		data, sid, dqStatus = c.store.Dequeue(c.hBundle, timeout)
	}
	if dqStatus != bplib.StatusSuccess {
		return nil, storage.ID{}, dqStatus, flags
	}

	_, _, cid, rstatus, rflags := bundle.RouteInfo(data)
	flags |= rflags
	if rstatus == bplib.StatusSuccess {
		c.activeTable.SetStorageID(cid, sid)
	}
	c.stats.IncTransmitted()
	return data, sid, bplib.StatusSuccess, flags
}

// AckBundle ends a Load borrow on a transmitted frame, without removing it
// from storage — the active table still needs it until custody is
// acknowledged or the channel is flushed.
func (c *Channel) AckBundle(id storage.ID) bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status := c.store.Release(c.hBundle, id); status == bplib.StatusSuccess {
		return status
	}
	return c.store.Release(c.hDACS, id)
}

// emitDACS drains the custody accumulator and encodes one or more DACS
// bundles covering it, splitting across several bundles (each a
// contiguous prefix of the sorted ranges) when the full set doesn't fit
// in one frame — the TOOMANYFILLS overflow policy.
func (c *Channel) emitDACS(now time.Time) (bplib.Status, bplib.Flags) {
	var flags bplib.Flags
	if c.custodyEngine.IsEmpty() {
		return bplib.StatusSuccess, flags
	}
	custodianNode, custodianService := c.custodyEngine.Custodian()
	route := bplib.Route{
		LocalNode: c.route.LocalNode, LocalService: c.route.LocalService,
		ReportNode: c.route.ReportNode, ReportService: c.route.ReportService,
	}

	for !c.custodyEngine.IsEmpty() {
		pending := c.custodyEngine.Peek()
		n := len(pending)
		var frame []byte
		var assigned []uint32

		for n > 0 {
			chunk := pending[:n]
			var tryAssigned []uint32
			var failure bplib.Status
			assign := c.cidAssigner(c.hDACS, now.Add(c.attrs.Timeout()), &tryAssigned, &flags, &failure)

			f, status, eflags := bundle.EncodeCustodySignal(route, c.attrs, chunk, custodianNode, custodianService,
				bundle.CustodySucceeded, bundle.CustodyReasonNoAdditionalInfo, bundle.Params{
					CreationTime: uint64(now.Unix()), CreationSeq: c.creationSeq, AssignCID: assign,
				})
			flags |= eflags

			if failure != bplib.StatusSuccess {
				c.rollback(tryAssigned)
				return failure, flags
			}
			if status == bplib.StatusBundleTooLarge && n > 1 {
				c.rollback(tryAssigned)
				flags.Set(bplib.FlagTooManyFills)
				n /= 2
				continue
			}
			if status != bplib.StatusSuccess {
				c.rollback(tryAssigned)
				return status, flags
			}
			c.creationSeq++
			frame, assigned = f, tryAssigned
			break
		}
		if frame == nil {
			return bplib.StatusBundleTooLarge, flags
		}
		if eqStatus := c.store.Enqueue(c.hDACS, frame, nil, 0); eqStatus != bplib.StatusSuccess {
			c.rollback(assigned)
			flags.Set(bplib.FlagStoreFailure)
			return bplib.StatusStoreFailure, flags
		}
		c.custodyEngine.DrainUpTo(n)
		c.stats.IncRecords()
	}
	c.custodyEngine.MarkEmitted(now)
	return bplib.StatusSuccess, flags
}

// Process decodes a received block and routes it: a local payload is
// enqueued for Accept, a DACS releases the active-table entries it
// acknowledges, and a bundle addressed elsewhere is queued for the
// operator to relay via Forward. A bundle requesting custody is also fed
// into the custody accumulator, possibly triggering an immediate DACS if
// the accumulator is full.
func (c *Channel) Process(block []byte, timeout time.Duration) (bplib.Status, bplib.Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, status, flags := bundle.Decode(block, uint64(c.route.LocalNode), uint64(c.route.LocalService))
	if status != bplib.StatusSuccess {
		return status, flags
	}
	c.stats.IncReceived()

	switch result.Disposition {
	case bundle.DispositionCustodySignal:
		return c.processCustodySignal(result, flags)
	case bundle.DispositionLocal:
		return c.processLocal(result, timeout, flags)
	default:
		flags.Set(bplib.FlagRouteNeeded)
		if eqStatus := c.store.Enqueue(c.hForward, block, nil, timeout); eqStatus != bplib.StatusSuccess {
			flags.Set(bplib.FlagStoreFailure)
			return bplib.StatusStoreFailure, flags
		}
		c.stats.IncRecords()
		return bplib.StatusSuccess, flags
	}
}

func (c *Channel) processCustodySignal(result bundle.DecodeResult, flags bplib.Flags) (bplib.Status, bplib.Flags) {
	signalStatus, reasonCode, ranges, status, dflags := bundle.DecodeCustodySignal(result.Bundle.Payload)
	flags |= dflags
	if status != bplib.StatusSuccess {
		return status, flags
	}
	if signalStatus != bundle.CustodySucceeded {
		c.log.WithField("reason", reasonCode).Warn("custody signal reported refusal, active-table entries left outstanding")
		return bplib.StatusSuccess, flags
	}
	for _, r := range ranges {
		for cid := r.Value; ; cid++ {
			entry, ok := c.activeTable.Get(cid)
			if !ok {
				flags.Set(bplib.FlagUnknownCID)
			} else {
				c.store.Relinquish(entry.Queue, entry.StorageID)
				c.activeTable.Release(cid)
				c.stats.DecActive()
				c.stats.AddAcknowledged(1)
			}
			if cid == r.Value+r.Offset {
				break
			}
		}
	}
	return bplib.StatusSuccess, flags
}

func (c *Channel) processLocal(result bundle.DecodeResult, timeout time.Duration, flags bplib.Flags) (bplib.Status, bplib.Flags) {
	if eqStatus := c.store.Enqueue(c.hPayload, result.Bundle.Payload, nil, timeout); eqStatus != bplib.StatusSuccess {
		flags.Set(bplib.FlagStoreFailure)
		return bplib.StatusStoreFailure, flags
	}
	c.stats.IncPayloads()
	c.stats.IncDelivered()

	if !result.CustodyRequested {
		return bplib.StatusSuccess, flags
	}
	cid, custodianNode, custodianService := result.Bundle.Primary.CID, result.Bundle.Primary.CustodianNode, result.Bundle.Primary.CustodianService
	needsImmediateEmit, cflags := c.custodyEngine.Accumulate(cid, custodianNode, custodianService)
	flags |= cflags
	if needsImmediateEmit {
		dstatus, dflags := c.emitDACS(time.Now())
		flags |= dflags
		if dstatus != bplib.StatusSuccess {
			c.log.WithError(dstatus).Warn("immediate DACS emission failed, custody acknowledgement dropped")
			return bplib.StatusSuccess, flags
		}
		// the overflowing CID was never inserted — the accumulator is now
		// empty after the drain above, so retry it once.
		needsImmediateEmit, cflags = c.custodyEngine.Accumulate(cid, custodianNode, custodianService)
		flags |= cflags
		if needsImmediateEmit {
			c.log.WithField("cid", cid).Warn("custody accumulator still full immediately after drain, custody acknowledgement dropped")
		}
	}
	return bplib.StatusSuccess, flags
}

// Accept dequeues the next delivered payload. The returned id must be
// passed to AckPayload once the caller has consumed it.
func (c *Channel) Accept(timeout time.Duration) ([]byte, storage.ID, bplib.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, id, status := c.store.Dequeue(c.hPayload, timeout)
	return data, id, status
}

// AckPayload permanently removes a delivered payload from storage.
func (c *Channel) AckPayload(id storage.ID) bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Relinquish(c.hPayload, id)
}

// Forward dequeues the next bundle addressed elsewhere, for the operator
// to retransmit on whatever channel serves that destination.
func (c *Channel) Forward(timeout time.Duration) ([]byte, storage.ID, bplib.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Dequeue(c.hForward, timeout)
}

// AckForward permanently removes a relayed bundle from storage.
func (c *Channel) AckForward(id storage.ID) bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Relinquish(c.hForward, id)
}

// Flush relinquishes every still-outstanding active-table entry, treating
// each as lost (it was never acknowledged by a DACS).
func (c *Channel) Flush() bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.activeTable.Flush()
	for _, e := range entries {
		c.store.Relinquish(e.Queue, e.StorageID)
		c.stats.IncLost()
		c.stats.DecActive()
	}
	return bplib.StatusSuccess
}

// ConfigGet reads one channel attribute's current value under the
// channel's lock.
func (c *Channel) ConfigGet(option bplib.AttrKey) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.Get(option)
}

// ConfigSet writes one channel attribute under the channel's lock. Taking
// effect is immediate: the next Store/Load/Process call observes it. The
// one exception is CID_REUSE, which the active table fixes at Open.
func (c *Channel) ConfigSet(option bplib.AttrKey, value any) bplib.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs.Set(option, value)
	if option == bplib.AttrCIDReuse {
		// active table's reuse policy is fixed at construction; nothing
		// short of reopening the channel can change K or reuse in place.
		c.log.Warn("CID_REUSE changed on an open channel has no effect on the active table already in use")
	}
	return bplib.StatusSuccess
}

// Stats returns a point-in-time snapshot of the channel's counters.
func (c *Channel) Stats() bplib.Stats {
	return c.stats.Snapshot()
}
