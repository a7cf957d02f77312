package logging

import (
	"context"
	"log/slog"
)

// Sink consumes theming events. Implementations must be safe for
// concurrent use and must not modify the event.
type Sink interface {
	Write(event *Event) error
	Close() error
}

// SlogSink mirrors events into a structured logger at a fixed level, so
// compile and apply decisions show up in the process log without an
// event log file.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "events"), level: level}
}

func (s *SlogSink) Write(event *Event) error {
	ctx := context.Background()
	if !s.logger.Enabled(ctx, s.level) {
		return nil
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.String("run_id", event.RunID),
	}
	if event.Component != "" {
		attrs = append(attrs, slog.String("source", event.Component))
	}
	if len(event.Tags) > 0 {
		attrs = append(attrs, slog.Any("tags", event.Tags))
	}
	if len(event.Data) > 0 {
		attrs = append(attrs, slog.String("data", string(event.Data)))
	}
	s.logger.LogAttrs(ctx, s.level, event.Summary, attrs...)
	return nil
}

func (s *SlogSink) Close() error { return nil }
