// Package notify delivers fire-and-forget events about delegated changes.
package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event reports that a delegate changed state shared by the owner's
// characters on one server.
type Event struct {
	Acting   string    `json:"acting"`
	Owner    string    `json:"owner"`
	Server   string    `json:"server"`
	TaskID   string    `json:"task_id"`
	Progress int       `json:"progress"`
	Enabled  bool      `json:"enabled"`
	At       time.Time `json:"at"`
}

// Sink receives events. Errors are logged and otherwise ignored.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs ev.
func (s LogSink) Deliver(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "delegated server-wide change",
		slog.String("acting", ev.Acting),
		slog.String("owner", ev.Owner),
		slog.String("server", ev.Server),
		slog.String("task_id", ev.TaskID),
		slog.Int("progress", ev.Progress),
		slog.Bool("enabled", ev.Enabled),
	)
	return nil
}

// Dispatcher queues events for one delivery goroutine. Publish never blocks;
// events that do not fit in the buffer are dropped.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
	events chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher with room for buffer pending events.
func NewDispatcher(sink Sink, buffer int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish enqueues ev. It reports false when the event was dropped.
func (d *Dispatcher) Publish(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.events <- ev:
		return true
	default:
		d.logger.Warn("notification dropped", slog.String("owner", ev.Owner), slog.String("task_id", ev.TaskID))
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.events {
		if err := d.sink.Deliver(context.Background(), ev); err != nil {
			d.logger.Warn("notification delivery failed", slog.String("task_id", ev.TaskID), slog.String("error", err.Error()))
		}
	}
}
