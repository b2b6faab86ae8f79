// Package ingest is the bounded asynchronous durability queue between
// the capture layer and the interaction encryptor. Overflow drops the
// job and reports it to the caller; shutdown drains what was accepted.
package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
)

// Queue policy.
const (
	DefaultCapacity = 1000
	warnRatio       = 0.8
	// maxPooledBuffer caps buffers returned to the pool so large
	// bodies do not pin resident memory.
	maxPooledBuffer = 256 * 1024
)

// Job is one capture awaiting encryption and persistence.
type Job struct {
	UserID             string
	Model              string
	Tokens             int64
	CostUSD            float64
	RequestFingerprint string
	Payload            []byte
	Truncated          bool
}

// Item wraps a Job and owns a pooled buffer when one was used.
// Consumers must call Done exactly once after processing.
type Item struct {
	Job *Job

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases pooled resources.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Job != nil {
			it.Job.Payload = nil
			it.Job = nil
		}
	})
}

// Queue is a bounded in-memory queue, safe for concurrent producers.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	warnAt   int
	metrics  *telemetry.Metrics
}

// NewQueue creates a queue with the given capacity. Non-positive
// capacities select the default.
func NewQueue(capacity int, metrics *telemetry.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:       make(chan *Item, capacity),
		capacity: capacity,
		warnAt:   int(float64(capacity) * warnRatio),
		metrics:  metrics,
	}
}

// TryEnqueue copies the job payload into a pooled buffer and enqueues
// it. Returns false when the queue is full; the job is dropped and
// counted.
func (q *Queue) TryEnqueue(job Job) bool {
	var bb *bytebufferpool.ByteBuffer
	if len(job.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], job.Payload...)
		job.Payload = bb.B[:len(job.Payload)]
	}
	it := &Item{Job: &job, buf: bb}

	select {
	case q.ch <- it:
		if depth := len(q.ch); depth >= q.warnAt {
			logger.Warn("capture_queue_pressure", "depth", depth, "capacity", q.capacity)
		}
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(float64(len(q.ch)))
		}
		return true
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		if q.metrics != nil {
			q.metrics.QueueDropped.Inc()
		}
		logger.Warn("capture_queue_full", "capacity", q.capacity)
		return false
	}
}

// Out returns the consumer channel.
func (q *Queue) Out() <-chan *Item { return q.ch }

// RunWorker consumes items until stop closes or the queue closes,
// guaranteeing Done on every item. When stop fires it keeps draining
// whatever was already accepted before returning.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Job) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			q.consume(it, handler)
		case <-stop:
			for {
				select {
				case it, ok := <-q.ch:
					if !ok {
						return
					}
					q.consume(it, handler)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) consume(it *Item, handler func(*Job) error) {
	defer it.Done()
	if err := handler(it.Job); err != nil {
		logger.Error("capture_persist_failed", "user", it.Job.UserID, "error", err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.ch)))
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns how many jobs were rejected on overflow.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
