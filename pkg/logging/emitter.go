package logging

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jingkaihe/themeproxy/internal/errx"
)

// EmitterConfig is stamped onto every event.
type EmitterConfig struct {
	RunID   string // one per server process
	Service string
}

// Emitter fans theming events out to its sinks. A nil *Emitter drops
// everything, so components can hold one unconditionally.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
	now    func() time.Time
}

func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	return &Emitter{
		config: cfg,
		sinks:  sinks,
		now:    time.Now,
	}
}

// Emit builds an event and hands it to every sink. data is marshalled
// into Event.Data; pass nil for an event without a payload. A failing
// sink does not stop delivery to the others and all failures are joined
// into the returned error.
func (e *Emitter) Emit(eventType, summary, component string, tags []string, data any) error {
	if e == nil {
		return nil
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		raw = b
	}

	event := &Event{
		Timestamp: e.now().UTC(),
		RunID:     e.config.RunID,
		Service:   e.config.Service,
		EventType: eventType,
		Summary:   summary,
		Component: component,
		Tags:      tags,
		Data:      raw,
	}

	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
