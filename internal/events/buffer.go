package events

import "sync"

// defaultBufferCapacity bounds the events waiting for a slow writer.
const defaultBufferCapacity = 4096

type message struct {
	Kind string
	Data []byte
}

// buffer is a bounded fifo. When full, pushing drops the oldest message.
type buffer struct {
	lock     sync.Mutex
	messages []*message
	capacity int
	dropped  int
}

func newBuffer(capacity int) *buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &buffer{capacity: capacity}
}

// PushBack appends msg and returns the number of pending messages.
func (b *buffer) PushBack(msg *message) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.messages) == b.capacity {
		b.messages[0] = nil
		b.messages = b.messages[1:]
		b.dropped++
	}
	b.messages = append(b.messages, msg)

	return len(b.messages)
}

func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.messages) == 0 {
		return nil
	}
	msg := b.messages[0]
	b.messages[0] = nil
	b.messages = b.messages[1:]
	return msg
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.messages)
}

// Dropped counts the messages discarded because the buffer was full.
func (b *buffer) Dropped() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.dropped
}
