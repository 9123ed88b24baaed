package channel_test

import (
	"testing"
	"time"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/pkg/channel"
	_ "github.com/dtnwg/bplib/pkg/storage/ram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func route(a, b bplib.EID) bplib.Route {
	return bplib.Route{LocalNode: a, LocalService: 1, DestNode: b, DestService: 1, ReportNode: a, ReportService: 1}
}

func open(t *testing.T, r bplib.Route, attrs bplib.Attrs) *channel.Channel {
	t.Helper()
	ch, status := channel.Open(r, attrs, channel.Config{
		StoreKind: "ram", ActiveCapacity: 16, CustodyCapacity: 16,
	})
	require.Equal(t, bplib.StatusSuccess, status)
	return ch
}

// TestStoreLoadAcceptRoundTrip matches scenario 1: a single bundle with no
// custody requested goes store -> load -> (wire) -> process -> accept.
func TestStoreLoadAcceptRoundTrip(t *testing.T) {
	a := open(t, route(1, 2), bplib.DefaultAttrs())
	b := open(t, route(2, 1), bplib.DefaultAttrs())

	status, flags := a.Store([]byte("hello"), time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Zero(t, flags)

	frame, id, status, _ := a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	require.Equal(t, bplib.StatusSuccess, a.AckBundle(id))

	status, _ = b.Process(frame, time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	payload, pid, status := b.Accept(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, "hello", string(payload))
	require.Equal(t, bplib.StatusSuccess, b.AckPayload(pid))

	assert.EqualValues(t, 1, a.Stats().Bundles)
	assert.EqualValues(t, 1, b.Stats().Delivered)
}

// TestDACSAccumulationAcrossTwoChannels matches scenario 3: channel A sends
// ten custody-requested bundles; channel B processes all ten with
// DACS_RATE=0 so its next Load returns a single aggregate signal whose
// processing on A releases every one of the ten active-table slots.
func TestDACSAccumulationAcrossTwoChannels(t *testing.T) {
	attrsA := bplib.DefaultAttrs()
	attrsA.Set(bplib.AttrRequestCustody, true)
	a := open(t, route(1, 2), attrsA)

	attrsB := bplib.DefaultAttrs()
	attrsB.Set(bplib.AttrDACSRate, uint32(0))
	b := open(t, route(2, 1), attrsB)

	var frames [][]byte
	for i := 0; i < 10; i++ {
		status, _ := a.Store([]byte{byte(i)}, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
		frame, id, status, _ := a.Load(time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
		require.Equal(t, bplib.StatusSuccess, a.AckBundle(id))
		frames = append(frames, frame)
	}
	for _, f := range frames {
		status, _ := b.Process(f, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}
	for i := 0; i < 10; i++ {
		_, _, status := b.Accept(time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}

	dacsFrame, id, status, _ := b.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	require.Equal(t, bplib.StatusSuccess, b.AckBundle(id))

	status, _ = a.Process(dacsFrame, time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	stats := a.Stats()
	assert.EqualValues(t, 10, stats.Acknowledged)
	assert.EqualValues(t, 0, stats.Active)
}

// TestCustodyOverflowRetriesDroppedCID matches spec.md §4.7's TREE_FULL
// overflow case: a custody-requested bundle whose CID can't share a
// range-set node with anything already accumulated, arriving when the
// accumulator has no free node left, must still end up acknowledged —
// processLocal drains with an immediate DACS and retries the same CID
// rather than dropping it.
func TestCustodyOverflowRetriesDroppedCID(t *testing.T) {
	attrsA := bplib.DefaultAttrs()
	attrsA.Set(bplib.AttrRequestCustody, true)
	a := open(t, route(1, 2), attrsA)

	attrsB := bplib.DefaultAttrs()
	attrsB.Set(bplib.AttrDACSRate, uint32(0))
	b, status := channel.Open(route(2, 1), attrsB, channel.Config{
		StoreKind: "ram", ActiveCapacity: 16, CustodyCapacity: 1,
	})
	require.Equal(t, bplib.StatusSuccess, status)

	var frames [][]byte
	for i := 0; i < 3; i++ {
		status, _ := a.Store([]byte{byte(i)}, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
		frame, id, status, _ := a.Load(time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
		require.Equal(t, bplib.StatusSuccess, a.AckBundle(id))
		frames = append(frames, frame)
	}

	// Deliver CID 0 and CID 2 only — CID 1's frame is never handed to b,
	// so the two accumulated CIDs are non-adjacent and can't merge into
	// one range-set node, forcing the single-node accumulator to overflow
	// on the second.
	status, _ = b.Process(frames[0], time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	status, _ = b.Process(frames[2], time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	for i := 0; i < 2; i++ {
		_, _, status := b.Accept(time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}

	for {
		frame, id, status, _ := b.Load(10 * time.Millisecond)
		if status != bplib.StatusSuccess {
			break
		}
		require.Equal(t, bplib.StatusSuccess, b.AckBundle(id))
		status, _ = a.Process(frame, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}

	// CID 1 was never delivered, so it is still outstanding on a.
	stats := a.Stats()
	assert.EqualValues(t, 2, stats.Acknowledged)
	assert.EqualValues(t, 1, stats.Active)
}

// TestRetransmitOnTimeout matches scenario 4: with a short TIMEOUT, a
// bundle that's never acknowledged is re-offered by the next Load once the
// deadline passes.
func TestRetransmitOnTimeout(t *testing.T) {
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrTimeout, uint32(1))
	a := open(t, route(1, 2), attrs)

	status, _ := a.Store([]byte("retry me"), time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	first, _, status, _ := a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	// No AckBundle, no custody release: the frame stays active. A second
	// Load before the timeout elapses finds nothing else queued.
	_, _, status, _ = a.Load(10 * time.Millisecond)
	assert.Equal(t, bplib.StatusTimeout, status)

	time.Sleep(1100 * time.Millisecond)
	second, _, status, _ := a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, first, second)
}

// TestActiveTableWrapTranslatesToStoreFailure matches scenario 5 with
// CID_REUSE=false: a fifth Store beyond active-table capacity K=4 fails
// with STORE_FAILURE and the ACTIVETABLEWRAP flag.
func TestActiveTableWrapTranslatesToStoreFailure(t *testing.T) {
	ch, status := channel.Open(route(1, 2), bplib.DefaultAttrs(), channel.Config{
		StoreKind: "ram", ActiveCapacity: 4, CustodyCapacity: 16,
	})
	require.Equal(t, bplib.StatusSuccess, status)

	for i := 0; i < 4; i++ {
		status, _ := ch.Store([]byte{byte(i)}, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}
	status, flags := ch.Store([]byte("fifth"), time.Second)
	assert.Equal(t, bplib.StatusStoreFailure, status)
	assert.True(t, flags.Has(bplib.FlagActiveTableWrap))
}

// TestActiveTableWrapEvictsWithReuse matches scenario 5 with CID_REUSE=true.
func TestActiveTableWrapEvictsWithReuse(t *testing.T) {
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrCIDReuse, true)
	ch, status := channel.Open(route(1, 2), attrs, channel.Config{
		StoreKind: "ram", ActiveCapacity: 4, CustodyCapacity: 16,
	})
	require.Equal(t, bplib.StatusSuccess, status)

	for i := 0; i < 4; i++ {
		status, _ := ch.Store([]byte{byte(i)}, time.Second)
		require.Equal(t, bplib.StatusSuccess, status)
	}
	status, flags := ch.Store([]byte("fifth"), time.Second)
	assert.Equal(t, bplib.StatusSuccess, status)
	assert.True(t, flags.Has(bplib.FlagActiveTableWrap))
	assert.EqualValues(t, 1, ch.Stats().Lost)
}

// TestIntegrityFailureDropsBundle matches scenario 6: a corrupted integrity
// block is rejected by Process and never reaches the payload queue.
func TestIntegrityFailureDropsBundle(t *testing.T) {
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrIntegrityCheck, true)
	attrs.Set(bplib.AttrCipherSuite, bplib.CipherCRC16)
	a := open(t, route(1, 2), attrs)
	b := open(t, route(2, 1), attrs)

	status, _ := a.Store([]byte("trust me"), time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	frame, id, status, _ := a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	require.Equal(t, bplib.StatusSuccess, a.AckBundle(id))

	corrupt := append([]byte{}, frame...)
	corrupt[len(corrupt)-1] ^= 0xFF

	status, _ = b.Process(corrupt, time.Second)
	assert.Equal(t, bplib.StatusCRCFailure, status)

	_, _, status = b.Accept(10 * time.Millisecond)
	assert.Equal(t, bplib.StatusTimeout, status)
}

func TestForwardQueuesNonLocalBundles(t *testing.T) {
	a := open(t, route(1, 2), bplib.DefaultAttrs())
	relay := open(t, route(9, 2), bplib.DefaultAttrs())

	status, _ := a.Store([]byte("not for relay"), time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	frame, id, status, _ := a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	require.Equal(t, bplib.StatusSuccess, a.AckBundle(id))

	status, flags := relay.Process(frame, time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.True(t, flags.Has(bplib.FlagRouteNeeded))

	data, fid, status := relay.Forward(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, frame, data)
	require.Equal(t, bplib.StatusSuccess, relay.AckForward(fid))
}

func TestConfigGetSetUnderLock(t *testing.T) {
	a := open(t, route(1, 2), bplib.DefaultAttrs())
	assert.Equal(t, false, a.ConfigGet(bplib.AttrRequestCustody))
	require.Equal(t, bplib.StatusSuccess, a.ConfigSet(bplib.AttrRequestCustody, true))
	assert.Equal(t, true, a.ConfigGet(bplib.AttrRequestCustody))
}

func TestFlushTreatsOutstandingAsLost(t *testing.T) {
	a := open(t, route(1, 2), bplib.DefaultAttrs())
	status, _ := a.Store([]byte("never acked"), time.Second)
	require.Equal(t, bplib.StatusSuccess, status)
	_, _, status, _ = a.Load(time.Second)
	require.Equal(t, bplib.StatusSuccess, status)

	require.Equal(t, bplib.StatusSuccess, a.Flush())
	assert.EqualValues(t, 1, a.Stats().Lost)
	assert.EqualValues(t, 0, a.Stats().Active)
}
