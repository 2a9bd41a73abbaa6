package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	RequestEventKind string = "geolake.events.request"
	WorkerEventKind  string = "geolake.events.worker"
	defaultTopic     string = "geolake.events"
	defaultSource    string = "geolake"
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e Event) error
	Close(ctx context.Context) error
}

// EventProducer is a wrapper around a Writer with the buffer.
// It has a buffer to store pending events to not block the caller if the writer takes time to write the event.
type EventProducer struct {
	buffer           *buffer
	startConsumingCh chan any
	doneCh           chan any
	stoppedCh        chan any
	writer           Writer
	topic            string
	source           string
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		buffer:           newBuffer(defaultBufferCapacity),
		startConsumingCh: make(chan any, 1),
		doneCh:           make(chan any),
		stoppedCh:        make(chan any),
		writer:           w,
		topic:            defaultTopic,
		source:           defaultSource,
	}

	for _, o := range opts {
		o(ep)
	}

	go ep.run()
	return ep
}

func (ep *EventProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	ep.buffer.PushBack(&message{
		Kind: kind,
		Data: d,
	})

	// unblock the consumer
	select {
	case ep.startConsumingCh <- struct{}{}:
	default:
	}

	return nil
}

// Emit marshals v and writes it. Failures are logged, never returned: events
// must not fail the transition they describe. Emit on a nil producer is a no-op.
func (ep *EventProducer) Emit(ctx context.Context, kind string, v any) {
	if ep == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		zap.S().Named("event_producer").Errorw("failed to marshal event", "error", err, "event_kind", kind)
		return
	}

	if err := ep.Write(ctx, kind, bytes.NewBuffer(data)); err != nil {
		zap.S().Named("event_producer").Errorw("failed to write event", "error", err, "event_kind", kind)
	}
}

// Close flushes the pending events and closes the writer.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		close(ep.doneCh)
		select {
		case <-ep.stoppedCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Named("event_producer").Errorf("event producer closed with error: %s", err)
		return err
	}

	if dropped := ep.buffer.Dropped(); dropped > 0 {
		zap.S().Named("event_producer").Warnw("events dropped while the writer lagged behind", "count", dropped)
	}
	zap.S().Named("event_producer").Info("event producer closed")

	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stoppedCh)

	for {
		if ep.buffer.Size() == 0 {
			select {
			case <-ep.startConsumingCh:
			case <-ep.doneCh:
				ep.flush()
				return
			}
		}

		ep.send(ep.buffer.Pop())
	}
}

func (ep *EventProducer) flush() {
	for msg := ep.buffer.Pop(); msg != nil; msg = ep.buffer.Pop() {
		ep.send(msg)
	}
}

func (ep *EventProducer) send(msg *message) {
	if msg == nil {
		return
	}

	e := Event{
		ID:     uuid.NewString(),
		Source: ep.source,
		Type:   msg.Kind,
		Time:   time.Now().UTC(),
		Data:   json.RawMessage(msg.Data),
	}

	if err := ep.writer.Write(context.TODO(), ep.topic, e); err != nil {
		zap.S().Named("event_producer").Errorw("failed to send message", "error", err, "event_id", e.ID, "event_type", e.Type)
	}
}
