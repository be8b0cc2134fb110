// Package sinks forwards tick and batch events to external brokers.
package sinks

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/pkg/errors"
)

const (
	defaultQueueSize = 1024
	maxWriteBatch    = 100
	drainTimeout     = 5 * time.Second
)

// message is one encoded event bound for a topic or channel.
type message struct {
	dest string
	key  string
	data []byte
}

type writeFunc func(ctx context.Context, batch []message) error

// -----------------------------------------------------------------------------
// queueSink decouples the engine loop from broker latency.
// -----------------------------------------------------------------------------

type queueSink struct {
	name      string
	Logger    *logger.Logger
	tickDest  string
	batchDest string
	write     writeFunc

	queue   chan message
	dropped atomic.Int64
	sent    atomic.Int64

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newQueueSink(name string, size int, tickDest, batchDest string, write writeFunc, log *logger.Logger) *queueSink {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &queueSink{
		name:      name,
		Logger:    log,
		tickDest:  tickDest,
		batchDest: batchDest,
		write:     write,
		queue:     make(chan message, size),
	}
}

func (q *queueSink) Name() string {
	return q.name
}

// -----------------------------------------------------------------------------

func (q *queueSink) EnqueueTick(ev models.MTickUpdateEvent) {
	q.enqueue(q.tickDest, ev.InstrumentName, models.NewTickMessage(ev))
}

func (q *queueSink) EnqueueBatch(ev models.MBatchCandleEvent) {
	q.enqueue(q.batchDest, ev.InstrumentName, models.NewBatchMessage(ev))
}

func (q *queueSink) enqueue(dest, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		q.Logger.Error("Cannot encode %T: %v", v, err)
		return
	}

	select {
	case q.queue <- message{dest: dest, key: key, data: data}:
	default:
		if n := q.dropped.Add(1); n == 1 || n%1000 == 0 {
			q.Logger.Warning("%s sink queue full, %d events dropped so far", q.name, n)
		}
	}
}

// -----------------------------------------------------------------------------

func (q *queueSink) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return errors.Errorf("%s sink already started", q.name)
	}
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go q.loop(ctx, q.stop, q.done)
	q.Logger.Info("%s sink started", q.name)
	return nil
}

// Stop flushes what is queued, bounded by a timeout.
func (q *queueSink) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	done := q.done
	q.mu.Unlock()

	<-done
	q.Logger.Info("%s sink stopped (sent %d, dropped %d)", q.name, q.sent.Load(), q.dropped.Load())
	return nil
}

// -----------------------------------------------------------------------------

func (q *queueSink) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case <-stop:
			q.drain()
			return
		case first := <-q.queue:
			q.flush(ctx, q.collect(first))
		}
	}
}

// collect gathers what is already queued behind first.
func (q *queueSink) collect(first message) []message {
	batch := []message{first}
	for len(batch) < maxWriteBatch {
		select {
		case m := <-q.queue:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

func (q *queueSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case first := <-q.queue:
			q.flush(ctx, q.collect(first))
		default:
			return
		}
	}
}

func (q *queueSink) flush(ctx context.Context, batch []message) {
	if err := q.write(ctx, batch); err != nil {
		q.Logger.Error("%s sink dropped %d events: %v", q.name, len(batch), err)
		return
	}
	q.sent.Add(int64(len(batch)))
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

// Attach subscribes sink to both event channels and returns the
// function that detaches it.
func Attach(core interfaces.IRelayEngine, sink interfaces.IEventSink) func() {
	ticks := core.SubscribeTicks(func(ev models.MTickUpdateEvent) { sink.EnqueueTick(ev) })
	batches := core.SubscribeBatches(func(ev models.MBatchCandleEvent) { sink.EnqueueBatch(ev) })
	return func() {
		ticks.Unsubscribe()
		batches.Unsubscribe()
	}
}
