// Package file implements a storage.Service backed by rotating,
// length-prefixed segment files on disk: each queue is a directory of
// append-only segments, named with a fresh UUID whenever the active
// segment exceeds segmentMaxBytes. Every record is retrievable by its
// storage.ID until relinquished; released memory returns to the store's
// in-memory index only, not the segment file (compaction is out of scope).
package file

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

func init() {
	storage.Register("file", func(name string) (storage.Service, error) {
		return New(name)
	})
}

const segmentMaxBytes = 16 << 20

type location struct {
	segment *os.File
	offset  int64
	length  int
}

type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	dir      string
	maxDepth int
	active   *os.File
	activeSz int64
	ready    []storage.ID
	index    map[storage.ID]location
}

// Service is a directory of queue subdirectories, each a rotating file
// segment store.
type Service struct {
	mu     sync.Mutex
	base   string
	queues map[storage.Handle]*queue
	next   storage.Handle
}

// New opens (creating if necessary) a file-backed service rooted at base.
func New(base string) (*Service, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &Service{base: base, queues: make(map[storage.Handle]*queue)}, nil
}

func (s *Service) Create(cfg storage.QueueConfig) (storage.Handle, bplib.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	dir := filepath.Join(s.base, fmt.Sprintf("%s-%d", cfg.Name, h))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, bplib.StatusStoreFailure
	}
	q := &queue{dir: dir, maxDepth: cfg.MaxDepth, index: make(map[storage.ID]location)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	s.queues[h] = q
	return h, bplib.StatusSuccess
}

func (s *Service) get(h storage.Handle) (*queue, bplib.Status) {
	s.mu.Lock()
	q, ok := s.queues[h]
	s.mu.Unlock()
	if !ok {
		return nil, bplib.StatusInvalidDescriptor
	}
	return q, bplib.StatusSuccess
}

func (s *Service) Destroy(h storage.Handle) bplib.Status {
	s.mu.Lock()
	q, ok := s.queues[h]
	if !ok {
		s.mu.Unlock()
		return bplib.StatusInvalidDescriptor
	}
	delete(s.queues, h)
	s.mu.Unlock()

	q.mu.Lock()
	if q.active != nil {
		q.active.Close()
	}
	q.mu.Unlock()
	if err := os.RemoveAll(q.dir); err != nil {
		log.WithError(err).WithField("dir", q.dir).Error("failed to remove segment directory on destroy")
		return bplib.StatusStoreFailure
	}
	return bplib.StatusSuccess
}

// waitTimeout blocks on cond until woken or timeout elapses, reporting
// whether the wait timed out. cond.L must be held by the caller. A zero
// timeout returns immediately without waiting at all (the non-blocking
// case, handled by the caller before it gets here); a negative timeout
// blocks with no deadline, per spec.md §5's "-1 means indefinite".
func waitTimeout(cond *sync.Cond, timeout time.Duration) (timedOut bool) {
	if timeout < 0 {
		cond.Wait()
		return false
	}
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	return !timer.Stop()
}

// rotate opens a fresh segment file if none is active or the active one
// has grown past segmentMaxBytes.
func (q *queue) rotate() bplib.Status {
	if q.active != nil && q.activeSz < segmentMaxBytes {
		return bplib.StatusSuccess
	}
	// The previous segment stays open: index entries still read from it.
	path := filepath.Join(q.dir, uuid.NewString()+".seg")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("failed to open new segment file")
		return bplib.StatusStoreFailure
	}
	log.WithField("path", path).Debug("rotated to new segment file")
	q.active = f
	q.activeSz = 0
	return bplib.StatusSuccess
}

func (s *Service) Enqueue(h storage.Handle, data1, data2 []byte, timeout time.Duration) bplib.Status {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return status
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	indefinite := timeout < 0
	var deadline time.Time
	if !indefinite {
		deadline = time.Now().Add(timeout)
	}
	for q.maxDepth > 0 && len(q.ready) >= q.maxDepth {
		if timeout == 0 {
			return bplib.StatusTimeout
		}
		remaining := timeout
		if !indefinite {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return bplib.StatusTimeout
			}
		}
		if waitTimeout(q.notFull, remaining) && !indefinite && time.Now().After(deadline) {
			return bplib.StatusTimeout
		}
	}

	if status := q.rotate(); status != bplib.StatusSuccess {
		return status
	}

	buf := make([]byte, 0, len(data1)+len(data2))
	buf = append(buf, data1...)
	buf = append(buf, data2...)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(buf)))
	offset, err := q.active.Seek(0, io.SeekCurrent)
	if err != nil {
		return bplib.StatusStoreFailure
	}
	if _, err := q.active.Write(header[:]); err != nil {
		return bplib.StatusStoreFailure
	}
	if _, err := q.active.Write(buf); err != nil {
		return bplib.StatusStoreFailure
	}
	recordLen := len(buf)
	q.activeSz += int64(4 + recordLen)

	id := xid.New()
	q.index[id] = location{segment: q.active, offset: offset + 4, length: recordLen}
	q.ready = append(q.ready, id)
	q.notEmpty.Signal()
	return bplib.StatusSuccess
}

func readAt(loc location) ([]byte, bplib.Status) {
	buf := make([]byte, loc.length)
	if _, err := loc.segment.ReadAt(buf, loc.offset); err != nil {
		log.WithError(err).WithField("offset", loc.offset).Error("failed to read record from segment file")
		return nil, bplib.StatusStoreFailure
	}
	return buf, bplib.StatusSuccess
}

func (s *Service) Dequeue(h storage.Handle, timeout time.Duration) ([]byte, storage.ID, bplib.Status) {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return nil, storage.ID{}, status
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	indefinite := timeout < 0
	var deadline time.Time
	if !indefinite {
		deadline = time.Now().Add(timeout)
	}
	for len(q.ready) == 0 {
		if timeout == 0 {
			return nil, storage.ID{}, bplib.StatusTimeout
		}
		remaining := timeout
		if !indefinite {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, storage.ID{}, bplib.StatusTimeout
			}
		}
		if waitTimeout(q.notEmpty, remaining) && !indefinite && time.Now().After(deadline) {
			return nil, storage.ID{}, bplib.StatusTimeout
		}
	}

	id := q.ready[0]
	q.ready = q.ready[1:]
	q.notFull.Signal()
	loc, ok := q.index[id]
	if !ok {
		return nil, storage.ID{}, bplib.StatusStoreFailure
	}
	data, status := readAt(loc)
	return data, id, status
}

func (s *Service) Retrieve(h storage.Handle, id storage.ID) ([]byte, bplib.Status) {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return nil, status
	}
	q.mu.Lock()
	loc, ok := q.index[id]
	q.mu.Unlock()
	if !ok {
		return nil, bplib.StatusInvalidDescriptor
	}
	return readAt(loc)
}

func (s *Service) Release(h storage.Handle, id storage.ID) bplib.Status {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[id]; !ok {
		return bplib.StatusInvalidDescriptor
	}
	return bplib.StatusSuccess
}

func (s *Service) Relinquish(h storage.Handle, id storage.ID) bplib.Status {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[id]; !ok {
		return bplib.StatusInvalidDescriptor
	}
	delete(q.index, id)
	return bplib.StatusSuccess
}

func (s *Service) GetCount(h storage.Handle) (int, bplib.Status) {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return 0, status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index), bplib.StatusSuccess
}
