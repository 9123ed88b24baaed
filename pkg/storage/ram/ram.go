// Package ram implements an in-memory storage.Service: every queue is a
// slice of byte slices guarded by one mutex, with a condition variable
// driving the bounded-enqueue / empty-dequeue timeout behaviour. Nothing
// persists across process restarts; this is the default backend used by
// channel tests and by deployments with no durability requirement.
package ram

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnwg/bplib"
	"github.com/dtnwg/bplib/pkg/storage"
	"github.com/rs/xid"
)

func init() {
	storage.Register("ram", func(name string) (storage.Service, error) {
		return New(), nil
	})
}

type item struct {
	id   storage.ID
	data []byte
}

type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	maxDepth int
	ready    []storage.ID         // FIFO of not-yet-dequeued items
	items    map[storage.ID]*item // every item still in the store
}

func newQueue(cfg storage.QueueConfig) *queue {
	q := &queue{maxDepth: cfg.MaxDepth, items: make(map[storage.ID]*item)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Service is the RAM-backed storage.Service implementation.
type Service struct {
	mu     sync.Mutex
	queues map[storage.Handle]*queue
	next   storage.Handle
}

// New constructs an empty RAM-backed service.
func New() *Service {
	return &Service{queues: make(map[storage.Handle]*queue)}
}

func (s *Service) Create(cfg storage.QueueConfig) (storage.Handle, bplib.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.queues[h] = newQueue(cfg)
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
	defer s.mu.Unlock()
	if _, ok := s.queues[h]; !ok {
		return bplib.StatusInvalidDescriptor
	}
	delete(s.queues, h)
	log.WithField("handle", h).Debug("destroyed ram-backed queue")
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

	buf := make([]byte, 0, len(data1)+len(data2))
	buf = append(buf, data1...)
	buf = append(buf, data2...)
	id := xid.New()
	q.items[id] = &item{id: id, data: buf}
	q.ready = append(q.ready, id)
	q.notEmpty.Signal()
	return bplib.StatusSuccess
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
	it, ok := q.items[id]
	if !ok {
		return nil, storage.ID{}, bplib.StatusStoreFailure
	}
	return it.data, id, bplib.StatusSuccess
}

func (s *Service) Retrieve(h storage.Handle, id storage.ID) ([]byte, bplib.Status) {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return nil, status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, bplib.StatusInvalidDescriptor
	}
	return it.data, bplib.StatusSuccess
}

func (s *Service) Release(h storage.Handle, id storage.ID) bplib.Status {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
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
	if _, ok := q.items[id]; !ok {
		return bplib.StatusInvalidDescriptor
	}
	delete(q.items, id)
	return bplib.StatusSuccess
}

func (s *Service) GetCount(h storage.Handle) (int, bplib.Status) {
	q, status := s.get(h)
	if status != bplib.StatusSuccess {
		return 0, status
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), bplib.StatusSuccess
}
