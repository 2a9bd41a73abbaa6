package queue

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	seq uint64
	msg Message
}

type memoryStream struct {
	entries []memoryEntry
	signal  chan struct{}
}

// MemoryQueue is an in-process Queue used by tests and single process deployments.
type MemoryQueue struct {
	mu          sync.Mutex
	seq         uint64
	block       time.Duration
	streams     map[uint]*memoryStream
	subscribers map[chan struct{}]struct{}
	closed      bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(block time.Duration) *MemoryQueue {
	return &MemoryQueue{
		block:       block,
		streams:     make(map[uint]*memoryStream),
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (q *MemoryQueue) stream(workerID uint) *memoryStream {
	s, ok := q.streams[workerID]
	if !ok {
		s = &memoryStream{signal: make(chan struct{}, 1)}
		q.streams[workerID] = s
	}
	return s
}

func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.seq++
	s := q.stream(msg.WorkerID)
	s.entries = append(s.entries, memoryEntry{seq: q.seq, msg: msg})

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, workerID uint) (*Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		s := q.stream(workerID)
		if len(s.entries) > 0 {
			entry := s.entries[0]
			q.mu.Unlock()
			return &Delivery{
				Message: entry.msg,
				ack: func(ctx context.Context) error {
					q.ack(workerID, entry.seq)
					return nil
				},
			}, nil
		}
		signal := s.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-signal:
		}
	}
}

func (q *MemoryQueue) ack(workerID uint, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stream(workerID)
	for i, e := range s.entries {
		if e.seq == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of unacked messages of workerID.
func (q *MemoryQueue) Len(workerID uint) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.stream(workerID).entries)
}

func (q *MemoryQueue) Notify(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	ch := make(chan struct{}, 1)
	q.subscribers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.subscribers[ch]; ok {
			delete(q.subscribers, ch)
			close(ch)
		}
	}()

	return ch, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for ch := range q.subscribers {
		delete(q.subscribers, ch)
		close(ch)
	}
	return nil
}
