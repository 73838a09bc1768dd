// Package events fans committed escrow transitions out to external sinks.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"salesescrow/internal/escrow"
)

// Publisher delivers one event to a sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt escrow.Event) error
	Close() error
}

// Dispatcher implements escrow.Emitter over a set of publishers. A failing
// sink is logged and reported through OnError; it never fails the escrow
// operation that produced the event.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	log        *zap.SugaredLogger
	OnError    func(sink string)
}

var _ escrow.Emitter = (*Dispatcher)(nil)

func NewDispatcher(log *zap.SugaredLogger, timeout time.Duration, publishers ...Publisher) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{publishers: publishers, timeout: timeout, log: log.Named("events")}
}

func (d *Dispatcher) Emit(ctx context.Context, evt escrow.Event) {
	for _, p := range d.publishers {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := p.Publish(pctx, evt)
		cancel()
		if err != nil {
			d.log.Warnw("publish event", "sink", p.Name(), "type", evt.Type, "error", err)
			if d.OnError != nil {
				d.OnError(p.Name())
			}
		}
	}
}

// Close closes every publisher and returns the first error.
func (d *Dispatcher) Close() error {
	var first error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(evt escrow.Event) ([]byte, error) {
	return json.Marshal(evt)
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	log *zap.SugaredLogger
}

func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (l *LogPublisher) Name() string { return "log" }

func (l *LogPublisher) Publish(_ context.Context, evt escrow.Event) error {
	kv := []interface{}{"type", evt.Type, "caller", evt.Caller, "status", evt.Status.String(), "at", evt.OccurredAt}
	for k, v := range evt.Attributes {
		kv = append(kv, k, v)
	}
	l.log.Infow("escrow event", kv...)
	return nil
}

func (l *LogPublisher) Close() error { return nil }
