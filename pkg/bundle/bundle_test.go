package bundle

import (
	"testing"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/internal/rbtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoute() bplib.Route {
	return bplib.Route{
		LocalNode: 1, LocalService: 2,
		DestNode: 3, DestService: 4,
		ReportNode: 1, ReportService: 2,
	}
}

func TestEmitDecodeRoundTrip(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()

	frames, status, _ := Emit(route, attrs, []byte("hello"), Params{CreationTime: 1000, CreationSeq: 1})
	require.Equal(t, bplib.StatusSuccess, status)
	require.Len(t, frames, 1)

	result, status, flags := Decode(frames[0], 3, 4)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Zero(t, flags)
	assert.Equal(t, DispositionLocal, result.Disposition)
	assert.Equal(t, "hello", string(result.Bundle.Payload))
	assert.EqualValues(t, 3, result.Bundle.Primary.DestNode)
	assert.EqualValues(t, 4, result.Bundle.Primary.DestService)
}

func TestRouteInfoWithoutFullDecode(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	frames, status, _ := Emit(route, attrs, []byte("x"), Params{})
	require.Equal(t, bplib.StatusSuccess, status)

	node, service, _, status, _ := RouteInfo(frames[0])
	require.Equal(t, bplib.StatusSuccess, status)
	assert.EqualValues(t, 3, node)
	assert.EqualValues(t, 4, service)
}

func TestDecodeForwardsWhenNotLocal(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	frames, _, _ := Emit(route, attrs, []byte("x"), Params{})

	result, status, _ := Decode(frames[0], 99, 99)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, DispositionForward, result.Disposition)
}

func TestIntegrityCheckRoundTrip(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrIntegrityCheck, true)
	attrs.Set(bplib.AttrCipherSuite, bplib.CipherCRC16)

	frames, status, _ := Emit(route, attrs, []byte("integrity me"), Params{})
	require.Equal(t, bplib.StatusSuccess, status)

	result, status, _ := Decode(frames[0], 3, 4)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.True(t, result.Bundle.HasIntegrity)
	assert.Equal(t, "integrity me", string(result.Bundle.Payload))
}

func TestIntegrityCheckFailsOnCorruption(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrIntegrityCheck, true)
	attrs.Set(bplib.AttrCipherSuite, bplib.CipherCRC16)

	frames, status, _ := Emit(route, attrs, []byte("integrity me"), Params{})
	require.Equal(t, bplib.StatusSuccess, status)

	corrupt := append([]byte{}, frames[0]...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, status, _ = Decode(corrupt, 3, 4)
	assert.Equal(t, bplib.StatusCRCFailure, status)
}

func TestEmitTooLargeWithoutFragmentationFails(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrMaxLength, uint32(10))
	attrs.Set(bplib.AttrAllowFragmentation, false)

	_, status, _ := Emit(route, attrs, make([]byte, 1000), Params{})
	assert.Equal(t, bplib.StatusBundleTooLarge, status)
}

func TestEmitFragmentsWhenAllowed(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrMaxLength, uint32(80))
	attrs.Set(bplib.AttrAllowFragmentation, true)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	frames, status, _ := Emit(route, attrs, payload, Params{CreationTime: 5, CreationSeq: 9})
	require.Equal(t, bplib.StatusSuccess, status)
	require.Greater(t, len(frames), 1)

	var reassembled []byte
	for _, f := range frames {
		result, status, _ := Decode(f, 3, 4)
		require.Equal(t, bplib.StatusSuccess, status)
		require.True(t, result.Bundle.Primary.Flags.Has(FlagFragment))
		assert.EqualValues(t, len(payload), result.Bundle.Primary.TotalADULength)
		reassembled = append(reassembled, result.Bundle.Payload...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestCustodySignalRoundTrip(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	ranges := []rbtree.Range{{Value: 10, Offset: 2}, {Value: 50, Offset: 0}}

	frame, status, _ := EncodeCustodySignal(route, attrs, ranges, 9, 9, CustodySucceeded, CustodyReasonNoAdditionalInfo, Params{CreationTime: 1})
	require.Equal(t, bplib.StatusSuccess, status)

	result, status, _ := Decode(frame, 9, 9)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, DispositionCustodySignal, result.Disposition)

	signalStatus, reasonCode, decoded, status, _ := DecodeCustodySignal(result.Bundle.Payload)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, CustodySucceeded, signalStatus)
	assert.Equal(t, CustodyReasonNoAdditionalInfo, reasonCode)
	assert.Equal(t, ranges, decoded)
}

// TestCustodySignalCarriesStatusAndReasonOnWire asserts the two SDNV
// fields spec.md's wire format mandates ahead of the range pairs are
// actually present on the wire, not just round-tripped internally: a
// refused signal with a non-default reason code must decode back to
// exactly the values encoded, distinct from CustodySucceeded/
// CustodyReasonNoAdditionalInfo.
func TestCustodySignalCarriesStatusAndReasonOnWire(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	ranges := []rbtree.Range{{Value: 3, Offset: 1}}
	const reasonRedundant = uint64(3)

	frame, status, _ := EncodeCustodySignal(route, attrs, ranges, 9, 9, CustodyRefused, reasonRedundant, Params{CreationTime: 1})
	require.Equal(t, bplib.StatusSuccess, status)

	result, status, _ := Decode(frame, 9, 9)
	require.Equal(t, bplib.StatusSuccess, status)

	signalStatus, reasonCode, decoded, status, _ := DecodeCustodySignal(result.Bundle.Payload)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, CustodyRefused, signalStatus)
	assert.Equal(t, reasonRedundant, reasonCode)
	assert.Equal(t, ranges, decoded)
}

func TestEmitAssignsCIDPerFrame(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	attrs.Set(bplib.AttrMaxLength, uint32(80))
	attrs.Set(bplib.AttrAllowFragmentation, true)

	next := uint32(100)
	assign := func() uint32 {
		cid := next
		next++
		return cid
	}

	payload := make([]byte, 300)
	frames, status, _ := Emit(route, attrs, payload, Params{AssignCID: assign})
	require.Equal(t, bplib.StatusSuccess, status)
	require.Greater(t, len(frames), 1)

	seen := make(map[uint32]bool)
	for _, f := range frames {
		_, _, cid, status, _ := RouteInfo(f)
		require.Equal(t, bplib.StatusSuccess, status)
		assert.GreaterOrEqual(t, cid, uint32(100))
		assert.False(t, seen[cid], "each fragment must carry a distinct CID")
		seen[cid] = true
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	buf := []byte{7, 0, 0}
	_, status, _ := Decode(buf, 1, 1)
	assert.Equal(t, bplib.StatusWrongVersion, status)
}

func TestDecodeUnknownBlockRaisesNonCompliant(t *testing.T) {
	route := testRoute()
	attrs := bplib.DefaultAttrs()
	frames, _, _ := Emit(route, attrs, []byte("x"), Params{})

	extra := encodeBlock(250, []byte("mystery"))
	tampered := append(append([]byte{}, frames[0]...), extra...)

	result, status, flags := Decode(tampered, 3, 4)
	require.Equal(t, bplib.StatusSuccess, status)
	assert.True(t, flags.Has(bplib.FlagNonCompliant))
	assert.Equal(t, "x", string(result.Bundle.Payload))
}
