package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBuffer  = 256
	defaultTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks from a single background goroutine so
// that a slow sink never blocks instance operations. When the buffer is full
// new events are dropped and logged.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex // guards closed against sends on ch
	closed bool
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: defaultTimeout,
		log:     log.With("component", "history"),
		ch:      make(chan Event, defaultBuffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues e. It is safe to call on a nil or closed Dispatcher; events
// recorded after Close are dropped.
func (d *Dispatcher) Record(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Debug("history closed, dropping event", "type", e.Type, "key", e.Instance.Key)
		return
	}
	select {
	case d.ch <- e:
	default:
		d.log.Warn("history buffer full, dropping event", "type", e.Type, "key", e.Instance.Key)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history sink send failed", "type", e.Type, "key", e.Instance.Key, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink implementing io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var first error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		<-d.done
		for _, s := range d.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	})
	return first
}
