// Package bus publishes engine lifecycle events to NATS.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"batch-engine/internal/events"
)

// Publisher is an events.Emitter that publishes every event as JSON on
// <prefix>.<event type>. Events are buffered and sent from a background
// goroutine; when the buffer is full new events are dropped.
type Publisher struct {
	nc      *nats.Conn
	publish func(subject string, data []byte) error
	prefix  string
	logger  *slog.Logger

	buf       *events.Channel
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect dials the NATS server at url and buffers up to bufferSize events
func Connect(url, prefix string, bufferSize int, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("batch-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	p := newPublisher(nc.Publish, prefix, bufferSize, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(publish func(string, []byte) error, prefix string, bufferSize int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		publish: publish,
		prefix:  prefix,
		logger:  logger,
		buf:     events.NewChannel(bufferSize),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.forward()
	return p
}

// Subject returns the subject an event of type t is published on
func (p *Publisher) Subject(t events.Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

// Emit queues e for publishing without blocking
func (p *Publisher) Emit(e events.Event) {
	p.buf.Emit(e)
}

// Dropped reports how many events never made it into the buffer
func (p *Publisher) Dropped() uint64 { return p.buf.Dropped() }

func (p *Publisher) forward() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.buf.C():
			p.send(e)
		case <-p.done:
			for {
				select {
				case e := <-p.buf.C():
					p.send(e)
				default:
					return
				}
			}
		}
	}
}

// send publishes e. Failures are logged and otherwise ignored so a broker
// outage never stalls job processing.
func (p *Publisher) send(e events.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", "type", e.Type, "error", err)
		return
	}
	if err := p.publish(p.Subject(e.Type), b); err != nil {
		p.logger.Warn("failed to publish event", "type", e.Type, "error", err)
	}
}

// Close publishes whatever is still buffered, then flushes pending messages
// and closes the connection. Events emitted after Close are dropped.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		if n := p.buf.Dropped(); n > 0 {
			p.logger.Warn("events dropped on a full publish buffer", "dropped", n)
		}
		if p.nc != nil {
			_ = p.nc.Drain()
		}
	})
}
