package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned by Receive when nothing was delivered before the block timeout.
	ErrEmpty  = errors.New("no message available")
	ErrClosed = errors.New("queue closed")
)

// Message is what the dispatcher hands to the worker it assigned a request to.
type Message struct {
	DispatchID string          `json:"dispatch_id"`
	RequestID  uint            `json:"request_id"`
	WorkerID   uint            `json:"worker_id"`
	Dataset    string          `json:"dataset"`
	Product    string          `json:"product"`
	Query      json.RawMessage `json:"query"`
}

func (m Message) String() string {
	return fmt.Sprintf("dispatch %s: request %d -> worker %d", m.DispatchID, m.RequestID, m.WorkerID)
}

// Delivery is a received message. It is delivered again until acked.
type Delivery struct {
	Message Message
	ack     func(ctx context.Context) error
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type Queue interface {
	// Publish enqueues msg on the queue of msg.WorkerID.
	Publish(ctx context.Context, msg Message) error
	// Receive returns the oldest unacked delivery of workerID, waiting at most
	// the configured block duration.
	Receive(ctx context.Context, workerID uint) (*Delivery, error)
	// Notify wakes up the subscribed dispatchers.
	Notify(ctx context.Context) error
	// Subscribe returns a channel receiving one value per notification. It is
	// closed with ctx.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
	Close() error
}
