// Package bplib is a pure Go implementation of the core of a Delay/
// Disruption-Tolerant Networking Bundle Protocol engine (RFC 5050 subset):
// the channel state machine, the custody accumulator and the active table,
// plus the small codecs and interfaces they are built from.
package bplib

import (
	"sync/atomic"
	"time"
)

// EID is an endpoint identifier's node or service number in IPN form.
type EID uint64

// Route is the immutable addressing tuple bound to a channel for its
// lifetime: local/destination endpoints plus where custody signals for
// bundles received on this channel should be reported.
type Route struct {
	LocalNode     EID
	LocalService  EID
	DestNode      EID
	DestService   EID
	ReportNode    EID
	ReportService EID
}

// CipherSuite selects the polynomial/algorithm used by the integrity block.
type CipherSuite int

const (
	CipherNone CipherSuite = iota
	CipherCRC16
	CipherCRC32
)

// AttrKey names a recognised channel policy option (spec.md §3).
type AttrKey string

const (
	AttrLifetime           AttrKey = "LIFETIME"
	AttrRequestCustody     AttrKey = "REQUEST_CUSTODY"
	AttrAdminRecord        AttrKey = "ADMIN_RECORD"
	AttrIntegrityCheck     AttrKey = "INTEGRITY_CHECK"
	AttrAllowFragmentation AttrKey = "ALLOW_FRAGMENTATION"
	AttrCipherSuite        AttrKey = "CIPHER_SUITE"
	AttrTimeout            AttrKey = "TIMEOUT"
	AttrMaxLength          AttrKey = "MAX_LENGTH"
	AttrCIDReuse           AttrKey = "CID_REUSE"
	AttrDACSRate           AttrKey = "DACS_RATE"
)

// defaults mirror bplib's historical constants: generous lifetime, no
// custody request, no fragmentation, integrity check off with CRC16 as the
// selected cipher, ten second timeouts, five second DACS rate.
var attrDefaults = map[AttrKey]any{
	AttrLifetime:           uint32(3600),
	AttrRequestCustody:     false,
	AttrAdminRecord:        false,
	AttrIntegrityCheck:     false,
	AttrAllowFragmentation: false,
	AttrCipherSuite:        CipherCRC16,
	AttrTimeout:            uint32(10),
	AttrMaxLength:          uint32(4096),
	AttrCIDReuse:           false,
	AttrDACSRate:           uint32(5),
}

// Attrs is the typed policy bag for a channel. Zero value behaves as
// DefaultAttrs().
type Attrs struct {
	values map[AttrKey]any
}

// DefaultAttrs returns the attribute set used when a channel is opened
// without overrides.
func DefaultAttrs() Attrs {
	values := make(map[AttrKey]any, len(attrDefaults))
	for k, v := range attrDefaults {
		values[k] = v
	}
	return Attrs{values: values}
}

func (a *Attrs) ensure() {
	if a.values == nil {
		*a = DefaultAttrs()
	}
}

// Set writes one option. The caller is responsible for passing a value of
// the type the option expects; Config (pkg/channel) validates this at the
// public API boundary.
func (a *Attrs) Set(key AttrKey, value any) {
	a.ensure()
	a.values[key] = value
}

// Get reads one option's current value, typed as any; callers that know
// the option's concrete type assert it themselves. Used by pkg/channel's
// Config to implement a read-mode call without exposing the map directly.
func (a Attrs) Get(key AttrKey) any { return a.get(key) }

func (a *Attrs) get(key AttrKey) any {
	a.ensure()
	if v, ok := a.values[key]; ok {
		return v
	}
	return attrDefaults[key]
}

func (a Attrs) Lifetime() time.Duration {
	return time.Duration(a.get(AttrLifetime).(uint32)) * time.Second
}

func (a Attrs) RequestCustody() bool     { return a.get(AttrRequestCustody).(bool) }
func (a Attrs) AdminRecord() bool        { return a.get(AttrAdminRecord).(bool) }
func (a Attrs) IntegrityCheck() bool     { return a.get(AttrIntegrityCheck).(bool) }
func (a Attrs) AllowFragmentation() bool { return a.get(AttrAllowFragmentation).(bool) }
func (a Attrs) Cipher() CipherSuite      { return a.get(AttrCipherSuite).(CipherSuite) }
func (a Attrs) Timeout() time.Duration {
	return time.Duration(a.get(AttrTimeout).(uint32)) * time.Second
}
func (a Attrs) MaxLength() uint32 { return a.get(AttrMaxLength).(uint32) }
func (a Attrs) CIDReuse() bool    { return a.get(AttrCIDReuse).(bool) }
func (a Attrs) DACSRate() time.Duration {
	return time.Duration(a.get(AttrDACSRate).(uint32)) * time.Second
}

// Stats are the monotonic counters of spec.md §3, snapshotted by value.
// Every field except Active only ever increases.
type Stats struct {
	Lost          uint64
	Expired       uint64
	Acknowledged  uint64
	Transmitted   uint64
	Retransmitted uint64
	Received      uint64
	Generated     uint64
	Delivered     uint64
	Bundles       uint64
	Payloads      uint64
	Records       uint64
	Active        uint64
}

// StatCounters is the mutable, atomic-backed form embedded in a channel;
// Snapshot copies it into a plain Stats value. Collaborating packages
// (pkg/channel, pkg/active) increment it directly through the
// Inc/Add/SetActive methods rather than round-tripping through Stats.
type StatCounters struct {
	lost          atomic.Uint64
	expired       atomic.Uint64
	acknowledged  atomic.Uint64
	transmitted   atomic.Uint64
	retransmitted atomic.Uint64
	received      atomic.Uint64
	generated     atomic.Uint64
	delivered     atomic.Uint64
	bundles       atomic.Uint64
	payloads      atomic.Uint64
	records       atomic.Uint64
	active        atomic.Uint64
}

// NewStatCounters allocates a zeroed counter block.
func NewStatCounters() *StatCounters { return &StatCounters{} }

func (c *StatCounters) IncLost()                 { c.lost.Add(1) }
func (c *StatCounters) IncExpired()              { c.expired.Add(1) }
func (c *StatCounters) AddAcknowledged(n uint64) { c.acknowledged.Add(n) }
func (c *StatCounters) IncTransmitted()          { c.transmitted.Add(1) }
func (c *StatCounters) IncRetransmitted()        { c.retransmitted.Add(1) }
func (c *StatCounters) IncReceived()             { c.received.Add(1) }
func (c *StatCounters) IncGenerated()            { c.generated.Add(1) }
func (c *StatCounters) IncDelivered()            { c.delivered.Add(1) }
func (c *StatCounters) IncBundles()              { c.bundles.Add(1) }
func (c *StatCounters) IncPayloads()             { c.payloads.Add(1) }
func (c *StatCounters) IncRecords()              { c.records.Add(1) }
func (c *StatCounters) IncActive()               { c.active.Add(1) }
func (c *StatCounters) DecActive()               { c.active.Add(^uint64(0)) }

func (c *StatCounters) Snapshot() Stats {
	return Stats{
		Lost:          c.lost.Load(),
		Expired:       c.expired.Load(),
		Acknowledged:  c.acknowledged.Load(),
		Transmitted:   c.transmitted.Load(),
		Retransmitted: c.retransmitted.Load(),
		Received:      c.received.Load(),
		Generated:     c.generated.Load(),
		Delivered:     c.delivered.Load(),
		Bundles:       c.bundles.Load(),
		Payloads:      c.payloads.Load(),
		Records:       c.records.Load(),
		Active:        c.active.Load(),
	}
}
