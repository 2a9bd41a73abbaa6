package service

import (
	"time"

	"github.com/geolake/geolake/internal/events"
)

type Option func(s *options)

type options struct {
	events           *events.EventProducer
	now              func() time.Time
	maxEstimateBytes int64
}

func newOptions(opts ...Option) options {
	o := options{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func WithEvents(ep *events.EventProducer) Option {
	return func(o *options) {
		o.events = ep
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMaxEstimateBytes rejects submissions announcing a larger result. 0 disables the check.
func WithMaxEstimateBytes(max int64) Option {
	return func(o *options) {
		o.maxEstimateBytes = max
	}
}
