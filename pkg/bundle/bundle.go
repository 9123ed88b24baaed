// Package bundle encodes and decodes the on-wire bundle: an RFC 5050
// Bundle Protocol version 6 subset consisting of a primary block (with a
// compact two-entry-per-EID dictionary, mirroring the real protocol's
// scheme/SSP offset scheme), an optional integrity block, and a payload
// block that is either application data or, for administrative bundles,
// a custody-signal record.
package bundle

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/internal/crc"
	"github.com/dtnwg/bplib/internal/rbtree"
	"github.com/dtnwg/bplib/internal/sdnv"
)

// ProtocolVersion is the Bundle Protocol version this codec emits.
const ProtocolVersion = 6

// Flags is the primary block's processing-flags field.
type Flags uint64

const (
	FlagFragment                 Flags = 1 << 0
	FlagAdminRecord              Flags = 1 << 1
	FlagCustodyTransferRequested Flags = 1 << 3
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

const (
	blockTypePayload   = 1
	blockTypeIntegrity = 193
)

const adminRecordCustodySignal = 2

// Custody signal status and reason codes, carried as the two SDNV fields
// ahead of the range pairs in a custody-signal record payload (spec.md §6
// "Wire format"). This engine only ever reports acceptance: a channel has
// no path that rejects a custody request once it has been accumulated, so
// CustodySucceeded/CustodyReasonNoAdditionalInfo is the only pair any
// caller needs today.
const (
	CustodySucceeded = uint64(1)
	CustodyRefused   = uint64(0)

	CustodyReasonNoAdditionalInfo = uint64(0)
)

// PrimaryBlock carries the routing and timing fields common to every
// bundle.
type PrimaryBlock struct {
	Flags                           Flags
	DestNode, DestService           uint64
	SrcNode, SrcService             uint64
	ReportNode, ReportService       uint64
	CustodianNode, CustodianService uint64
	CreationTime, CreationSeq       uint64
	Lifetime                        uint64
	CID                             uint32
	FragmentOffset, TotalADULength  uint64
}

// Bundle is a fully decoded wire bundle.
type Bundle struct {
	Primary      PrimaryBlock
	Payload      []byte
	HasIntegrity bool
	Cipher       bplib.CipherSuite
}

// Disposition is what a receiver should do with a decoded bundle.
type Disposition int

const (
	// DispositionLocal: destination matches, payload is ours to deliver.
	DispositionLocal Disposition = iota
	// DispositionForward: destination is some other node.
	DispositionForward
	// DispositionCustodySignal: an administrative record carrying a
	// custody signal, to be handed to the custody engine.
	DispositionCustodySignal
)

// DecodeResult is the outcome of Decode.
type DecodeResult struct {
	Bundle           Bundle
	Disposition      Disposition
	CustodyRequested bool
}

func cipherDescriptor(c bplib.CipherSuite) (*crc.Descriptor, bool) {
	switch c {
	case bplib.CipherCRC16:
		return crc.CRC16CCITT, true
	case bplib.CipherCRC32:
		return crc.CRC32Castagnoli, true
	default:
		return nil, false
	}
}

func sspString(node, service uint64) string {
	return fmt.Sprintf("%d.%d", node, service)
}

func parseSSP(s string) (node, service uint64, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, false
	}
	var err error
	node, err = strconv.ParseUint(s[:dot], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	service, err = strconv.ParseUint(s[dot+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return node, service, true
}

// encodePrimary appends the wire encoding of pb (version, flags, block
// length, dictionary-offset EID fields, timestamps, dictionary bytes) to
// dst and returns the result.
func encodePrimary(dst []byte, pb PrimaryBlock) []byte {
	scheme := "ipn\x00"
	destSSP := sspString(pb.DestNode, pb.DestService) + "\x00"
	srcSSP := sspString(pb.SrcNode, pb.SrcService) + "\x00"
	reportSSP := sspString(pb.ReportNode, pb.ReportService) + "\x00"
	custSSP := sspString(pb.CustodianNode, pb.CustodianService) + "\x00"

	schemeOff := uint64(0)
	destOff := uint64(len(scheme))
	srcOff := destOff + uint64(len(destSSP))
	reportOff := srcOff + uint64(len(srcSSP))
	custOff := reportOff + uint64(len(reportSSP))
	dictLen := custOff + uint64(len(custSSP))

	var body []byte
	body = sdnv.Encode(body, schemeOff)
	body = sdnv.Encode(body, destOff)
	body = sdnv.Encode(body, schemeOff)
	body = sdnv.Encode(body, srcOff)
	body = sdnv.Encode(body, schemeOff)
	body = sdnv.Encode(body, reportOff)
	body = sdnv.Encode(body, schemeOff)
	body = sdnv.Encode(body, custOff)
	body = sdnv.Encode(body, pb.CreationTime)
	body = sdnv.Encode(body, pb.CreationSeq)
	body = sdnv.Encode(body, pb.Lifetime)
	body = sdnv.Encode(body, uint64(pb.CID))
	body = sdnv.Encode(body, dictLen)
	body = append(body, scheme...)
	body = append(body, destSSP...)
	body = append(body, srcSSP...)
	body = append(body, reportSSP...)
	body = append(body, custSSP...)
	if pb.Flags.Has(FlagFragment) {
		body = sdnv.Encode(body, pb.FragmentOffset)
		body = sdnv.Encode(body, pb.TotalADULength)
	}

	dst = append(dst, ProtocolVersion)
	dst = sdnv.Encode(dst, uint64(pb.Flags))
	dst = sdnv.Encode(dst, uint64(len(body)))
	dst = append(dst, body...)
	return dst
}

func readDictString(dict []byte, off uint64) (string, bplib.Status) {
	if off > uint64(len(dict)) {
		return "", bplib.StatusNonCompliant
	}
	rest := dict[off:]
	end := strings.IndexByte(string(rest), 0)
	if end < 0 {
		return "", bplib.StatusNonCompliant
	}
	return string(rest[:end]), bplib.StatusSuccess
}

// decodePrimary parses a primary block starting at buf[0] and returns the
// parsed block and the number of bytes consumed.
func decodePrimary(buf []byte) (pb PrimaryBlock, n int, status bplib.Status, flags bplib.Flags) {
	if len(buf) < 1 {
		return pb, 0, bplib.StatusNonCompliant, flags
	}
	if buf[0] != ProtocolVersion {
		return pb, 0, bplib.StatusWrongVersion, flags
	}
	pos := 1

	rawFlags, fn, fflags := sdnv.Decode(buf[pos:])
	flags |= fflags
	if fflags.Has(bplib.FlagSDNVIncomplete) {
		return pb, 0, bplib.StatusSDNVIncomplete, flags
	}
	pos += fn
	pb.Flags = Flags(rawFlags)

	blockLen, bn, bflags := sdnv.Decode(buf[pos:])
	flags |= bflags
	if bflags.Has(bplib.FlagSDNVIncomplete) {
		return pb, 0, bplib.StatusSDNVIncomplete, flags
	}
	pos += bn

	if uint64(len(buf)-pos) < blockLen {
		return pb, 0, bplib.StatusNonCompliant, flags
	}
	body := buf[pos : pos+int(blockLen)]
	total := pos + int(blockLen)
	bp := 0

	readSDNV := func() uint64 {
		v, n, f := sdnv.Decode(body[bp:])
		flags |= f
		bp += n
		return v
	}

	_ = readSDNV() // dest scheme offset (always "ipn")
	destSSPOff := readSDNV()
	_ = readSDNV() // src scheme offset
	srcSSPOff := readSDNV()
	_ = readSDNV() // report scheme offset
	reportSSPOff := readSDNV()
	_ = readSDNV() // custodian scheme offset
	custSSPOff := readSDNV()
	pb.CreationTime = readSDNV()
	pb.CreationSeq = readSDNV()
	pb.Lifetime = readSDNV()
	pb.CID = uint32(readSDNV())
	dictLen := readSDNV()

	if uint64(len(body)-bp) < dictLen {
		return pb, 0, bplib.StatusNonCompliant, flags
	}
	dict := body[bp : bp+int(dictLen)]
	bp += int(dictLen)

	var dstatus bplib.Status
	var ssp string
	if ssp, dstatus = readDictString(dict, destSSPOff); dstatus != bplib.StatusSuccess {
		return pb, 0, dstatus, flags
	}
	pb.DestNode, pb.DestService, _ = parseSSP(ssp)
	if ssp, dstatus = readDictString(dict, srcSSPOff); dstatus != bplib.StatusSuccess {
		return pb, 0, dstatus, flags
	}
	pb.SrcNode, pb.SrcService, _ = parseSSP(ssp)
	if ssp, dstatus = readDictString(dict, reportSSPOff); dstatus != bplib.StatusSuccess {
		return pb, 0, dstatus, flags
	}
	pb.ReportNode, pb.ReportService, _ = parseSSP(ssp)
	if ssp, dstatus = readDictString(dict, custSSPOff); dstatus != bplib.StatusSuccess {
		return pb, 0, dstatus, flags
	}
	pb.CustodianNode, pb.CustodianService, _ = parseSSP(ssp)

	if pb.Flags.Has(FlagFragment) {
		pb.FragmentOffset = readSDNV()
		pb.TotalADULength = readSDNV()
	}

	return pb, total, bplib.StatusSuccess, flags
}

func encodeBlock(blockType byte, data []byte) []byte {
	var out []byte
	out = append(out, blockType)
	out = sdnv.Encode(out, 0) // block processing flags, unused in this subset
	out = sdnv.Encode(out, uint64(len(data)))
	out = append(out, data...)
	return out
}

func decodeBlock(buf []byte) (blockType byte, data []byte, n int, status bplib.Status, flags bplib.Flags) {
	if len(buf) < 1 {
		return 0, nil, 0, bplib.StatusNonCompliant, flags
	}
	blockType = buf[0]
	pos := 1
	_, fn, fflags := sdnv.Decode(buf[pos:])
	flags |= fflags
	pos += fn
	length, ln, lflags := sdnv.Decode(buf[pos:])
	flags |= lflags
	pos += ln
	if uint64(len(buf)-pos) < length {
		return blockType, nil, 0, bplib.StatusNonCompliant, flags
	}
	data = buf[pos : pos+int(length)]
	return blockType, data, pos + int(length), bplib.StatusSuccess, flags
}

// Params bundles the creation-time fields Emit needs beyond
// route/attrs/payload: the creation timestamp and the sequence number of
// this bundle within that timestamp (disambiguates bundles created in the
// same second), plus a callback to mint the custody identifier that goes
// into each frame's primary block. AssignCID is called exactly once per
// frame emitted (more than once when the payload is fragmented; the first
// fragment reuses the CID minted for the unfragmented attempt), so the
// caller can reserve the CID's active-table slot in lock-step with frame
// generation.
type Params struct {
	CreationTime, CreationSeq uint64
	AssignCID                 func() uint32
}

func (p Params) assignCID() uint32 {
	if p.AssignCID == nil {
		return 0
	}
	return p.AssignCID()
}

// Emit composes one or more wire bundles carrying payload. More than one
// frame is returned only when the encoded single frame would exceed
// attrs.MaxLength() and
// fragmentation is allowed; otherwise exactly one frame is returned. Each
// frame carries its own CID, minted by p.AssignCID.
func Emit(route bplib.Route, attrs bplib.Attrs, payload []byte, p Params) (frames [][]byte, status bplib.Status, flags bplib.Flags) {
	pb := basePrimary(route, attrs, p)

	unfragmented := pb
	unfragmented.CID = p.assignCID()
	frame := encodeFrame(unfragmented, payload, attrs)
	if uint64(len(frame)) <= uint64(attrs.MaxLength()) {
		return [][]byte{frame}, bplib.StatusSuccess, flags
	}
	if !attrs.AllowFragmentation() {
		return nil, bplib.StatusBundleTooLarge, flags
	}

	fragPB := pb
	fragPB.Flags |= FlagFragment
	fragPB.FragmentOffset = uint64(len(payload)) // worst-case SDNV width
	fragPB.TotalADULength = uint64(len(payload))
	overhead := len(encodeFrame(fragPB, nil, attrs))
	chunkSize := int(attrs.MaxLength()) - overhead
	if chunkSize <= 0 {
		return nil, bplib.StatusBundleTooLarge, flags
	}

	total := uint64(len(payload))
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		fpb := pb
		fpb.Flags |= FlagFragment
		fpb.FragmentOffset = uint64(offset)
		fpb.TotalADULength = total
		if offset == 0 {
			fpb.CID = unfragmented.CID
		} else {
			fpb.CID = p.assignCID()
		}
		frames = append(frames, encodeFrame(fpb, payload[offset:end], attrs))
	}
	return frames, bplib.StatusSuccess, flags
}

func basePrimary(route bplib.Route, attrs bplib.Attrs, p Params) PrimaryBlock {
	pb := PrimaryBlock{
		DestNode: uint64(route.DestNode), DestService: uint64(route.DestService),
		SrcNode: uint64(route.LocalNode), SrcService: uint64(route.LocalService),
		ReportNode: uint64(route.ReportNode), ReportService: uint64(route.ReportService),
		CustodianNode: uint64(route.LocalNode), CustodianService: uint64(route.LocalService),
		CreationTime: p.CreationTime, CreationSeq: p.CreationSeq,
		Lifetime: uint64(attrs.Lifetime().Seconds()),
	}
	if attrs.RequestCustody() {
		pb.Flags |= FlagCustodyTransferRequested
	}
	if attrs.AdminRecord() {
		pb.Flags |= FlagAdminRecord
	}
	return pb
}

func encodeFrame(pb PrimaryBlock, payload []byte, attrs bplib.Attrs) []byte {
	var out []byte
	out = encodePrimary(out, pb)
	out = append(out, encodeBlock(blockTypePayload, payload)...)
	if attrs.IntegrityCheck() {
		if desc, ok := cipherDescriptor(attrs.Cipher()); ok {
			checked := out // primary + payload block computed so far
			sum := desc.Get(checked)
			var sumBytes []byte
			sumBytes = sdnv.Encode(sumBytes, uint64(sum))
			integrity := append([]byte{byte(attrs.Cipher())}, sumBytes...)
			out = append(out, encodeBlock(blockTypeIntegrity, integrity)...)
		}
	}
	return out
}

// RouteInfo parses only as much of the primary block as needed to recover
// the destination endpoint and CID, without decoding the full bundle.
func RouteInfo(buf []byte) (destNode, destService uint64, cid uint32, status bplib.Status, flags bplib.Flags) {
	pb, _, status, flags := decodePrimary(buf)
	if status != bplib.StatusSuccess {
		return 0, 0, 0, status, flags
	}
	return pb.DestNode, pb.DestService, pb.CID, bplib.StatusSuccess, flags
}

// Decode parses a complete wire bundle and classifies it for the caller:
// DispositionLocal when it addresses (localNode, localService) and is not
// an administrative record, DispositionCustodySignal for an administrative
// custody-signal record, DispositionForward otherwise.
func Decode(buf []byte, localNode, localService uint64) (DecodeResult, bplib.Status, bplib.Flags) {
	var result DecodeResult

	pb, n, status, flags := decodePrimary(buf)
	if status != bplib.StatusSuccess {
		return result, status, flags
	}
	rest := buf[n:]

	var payload []byte
	var hasIntegrity bool
	var cipher bplib.CipherSuite
	var integrityValue uint64

	for len(rest) > 0 {
		blockType, data, consumed, bstatus, bflags := decodeBlock(rest)
		flags |= bflags
		if bstatus != bplib.StatusSuccess {
			return result, bstatus, flags
		}
		switch blockType {
		case blockTypePayload:
			payload = data
		case blockTypeIntegrity:
			if len(data) < 1 {
				flags.Set(bplib.FlagNonCompliant)
				break
			}
			hasIntegrity = true
			cipher = bplib.CipherSuite(data[0])
			v, _, vflags := sdnv.Decode(data[1:])
			flags |= vflags
			integrityValue = v
		default:
			flags.Set(bplib.FlagNonCompliant)
		}
		rest = rest[consumed:]
	}

	if hasIntegrity {
		desc, ok := cipherDescriptor(cipher)
		if !ok {
			flags.Set(bplib.FlagNonCompliant)
		} else {
			checkRegion := buf[:n+len(encodeBlock(blockTypePayload, payload))]
			if desc.Get(checkRegion) != uint32(integrityValue) {
				log.WithField("cid", pb.CID).Warn("integrity check failed on decode, rejecting bundle")
				return result, bplib.StatusCRCFailure, flags
			}
		}
	}

	result.Bundle = Bundle{Primary: pb, Payload: payload, HasIntegrity: hasIntegrity, Cipher: cipher}
	result.CustodyRequested = pb.Flags.Has(FlagCustodyTransferRequested)

	switch {
	case pb.Flags.Has(FlagAdminRecord):
		if len(payload) < 1 || payload[0] != adminRecordCustodySignal {
			flags.Set(bplib.FlagNonCompliant)
			result.Disposition = DispositionForward
			return result, bplib.StatusSuccess, flags
		}
		result.Bundle.Payload = payload[1:]
		result.Disposition = DispositionCustodySignal
	case pb.DestNode == localNode && pb.DestService == localService:
		result.Disposition = DispositionLocal
	default:
		result.Disposition = DispositionForward
	}
	return result, bplib.StatusSuccess, flags
}

// EncodeCustodySignal builds one administrative bundle whose payload is a
// custody-signal record: the admin-record type byte, SDNV status, SDNV
// reason_code, then SDNV-encoded (first_cid, fill) pairs, one per range.
// The bundle is addressed to (custodianNode, custodianService) — the
// custodian of the bundles being acknowledged.
func EncodeCustodySignal(route bplib.Route, attrs bplib.Attrs, ranges []rbtree.Range, custodianNode, custodianService uint64, status, reasonCode uint64, p Params) ([]byte, bplib.Status, bplib.Flags) {
	var flags bplib.Flags
	payload := []byte{adminRecordCustodySignal}
	payload = sdnv.Encode(payload, status)
	payload = sdnv.Encode(payload, reasonCode)
	for _, r := range ranges {
		payload = sdnv.Encode(payload, uint64(r.Value))
		payload = sdnv.Encode(payload, uint64(r.Offset))
	}

	pb := basePrimary(bplib.Route{
		LocalNode: route.LocalNode, LocalService: route.LocalService,
		DestNode: bplib.EID(custodianNode), DestService: bplib.EID(custodianService),
		ReportNode: route.ReportNode, ReportService: route.ReportService,
	}, attrs, p)
	pb.Flags |= FlagAdminRecord
	pb.Flags &^= FlagCustodyTransferRequested
	pb.CID = p.assignCID()

	frame := encodeFrame(pb, payload, attrs)
	if uint64(len(frame)) > uint64(attrs.MaxLength()) {
		return nil, bplib.StatusBundleTooLarge, flags
	}
	return frame, bplib.StatusSuccess, flags
}

// DecodeCustodySignal parses a custody-signal record's payload (as
// returned in DecodeResult.Bundle.Payload when Disposition is
// DispositionCustodySignal): the SDNV status and reason_code fields,
// followed by its (first_cid, fill) ranges.
func DecodeCustodySignal(payload []byte) (signalStatus, reasonCode uint64, ranges []rbtree.Range, status bplib.Status, flags bplib.Flags) {
	signalStatus, n, f := sdnv.Decode(payload)
	flags |= f
	if f.Has(bplib.FlagSDNVIncomplete) {
		return 0, 0, nil, bplib.StatusSDNVIncomplete, flags
	}
	pos := n
	reasonCode, n, f = sdnv.Decode(payload[pos:])
	flags |= f
	if f.Has(bplib.FlagSDNVIncomplete) {
		return 0, 0, nil, bplib.StatusSDNVIncomplete, flags
	}
	pos += n

	for pos < len(payload) {
		first, n1, f1 := sdnv.DecodeUint32(payload[pos:])
		flags |= f1
		if f1.Has(bplib.FlagSDNVIncomplete) {
			return signalStatus, reasonCode, ranges, bplib.StatusSDNVIncomplete, flags
		}
		pos += n1
		fill, n2, f2 := sdnv.DecodeUint32(payload[pos:])
		flags |= f2
		if f2.Has(bplib.FlagSDNVIncomplete) {
			return signalStatus, reasonCode, ranges, bplib.StatusSDNVIncomplete, flags
		}
		pos += n2
		ranges = append(ranges, rbtree.Range{Value: first, Offset: fill})
	}
	return signalStatus, reasonCode, ranges, bplib.StatusSuccess, flags
}
