package events

type ProducerOptions func(e *EventProducer)

func WithOutputTopic(topic string) ProducerOptions {
	return func(e *EventProducer) {
		e.topic = topic
	}
}

func WithSource(source string) ProducerOptions {
	return func(e *EventProducer) {
		e.source = source
	}
}

// WithBufferCapacity bounds the events kept while the writer lags behind.
func WithBufferCapacity(capacity int) ProducerOptions {
	return func(e *EventProducer) {
		e.buffer = newBuffer(capacity)
	}
}
