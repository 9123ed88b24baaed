// Package storage declares the eight-method contract a bundle channel uses
// to persist its four logical queues (outbound bundles, inbound payloads,
// outbound DACS records, received bundles awaiting forwarding), plus a registry
// so callers can select an implementation by name the way a CAN interface
// is selected in the transport layer this engine is descended from.
package storage

import (
	"time"

	"github.com/dtnwg/bplib"
	"github.com/rs/xid"
)

// Handle identifies one logical queue created by Create.
type Handle uint32

// ID is an opaque key identifying a stored item for as long as it remains
// in the store (from dequeue/retrieve through release or relinquish).
type ID = xid.ID

// QueueConfig parameterises Create. MaxDepth of zero means unbounded.
type QueueConfig struct {
	Name     string
	MaxDepth int
}

// Service is the storage contract a channel calls. Implementations may be
// purely in-memory (pkg/storage/ram) or backed by rotating files on disk
// (pkg/storage/file); the channel never distinguishes the two.
type Service interface {
	// Create allocates a new logical queue and returns its handle.
	Create(cfg QueueConfig) (Handle, bplib.Status)
	// Destroy releases a queue and everything still stored in it.
	Destroy(h Handle) bplib.Status
	// Enqueue atomically appends data1||data2, blocking up to timeout if
	// the queue is bounded and full. timeout == 0 means non-blocking
	// (return StatusTimeout immediately if full); timeout < 0 means block
	// indefinitely, with no deadline at all.
	Enqueue(h Handle, data1, data2 []byte, timeout time.Duration) bplib.Status
	// Dequeue pops the oldest item, blocking up to timeout if empty. The
	// returned ID remains valid until Relinquish; Release ends the borrow
	// but leaves the item retrievable by ID. timeout == 0
	// means non-blocking; timeout < 0 means block indefinitely.
	Dequeue(h Handle, timeout time.Duration) (data []byte, id ID, status bplib.Status)
	// Retrieve fetches an item by ID without removing it from the queue.
	Retrieve(h Handle, id ID) (data []byte, status bplib.Status)
	// Release ends a borrow of an item retrieved via Dequeue or Retrieve.
	Release(h Handle, id ID) bplib.Status
	// Relinquish permanently removes an item from the store.
	Relinquish(h Handle, id ID) bplib.Status
	// GetCount returns the number of items currently in the queue.
	GetCount(h Handle) (int, bplib.Status)
}

// NewServiceFunc constructs a Service given a base name (e.g. a directory
// for file-backed stores, ignored by purely in-memory ones).
type NewServiceFunc func(name string) (Service, error)

var registry = make(map[string]NewServiceFunc)

// Register makes a storage backend available under kind. Call from an
// init() function, mirroring the transport-interface registry this engine
// is descended from.
func Register(kind string, newService NewServiceFunc) {
	registry[kind] = newService
}

// New constructs a registered Service by kind ("ram", "file", ...).
func New(kind string, name string) (Service, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, bplib.StatusParmErr
	}
	return ctor(name)
}
