package events

import (
	"context"

	"go.uber.org/zap"
)

// StdoutWriter logs the events. It is the writer of development setups.
type StdoutWriter struct{}

func (s *StdoutWriter) Write(ctx context.Context, topic string, e Event) error {
	zap.S().Named("events").Infow(e.Type, "topic", topic, "id", e.ID, "source", e.Source, "time", e.Time, "data", string(e.Data))
	return nil
}

func (s *StdoutWriter) Close(_ context.Context) error {
	return nil
}
