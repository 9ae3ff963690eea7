package control

import (
	"sync"
	"time"

	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/timeutil"
)

// DefaultQueueCapacity bounds the samples buffered between two ticks.
const DefaultQueueCapacity = 1024

// Received is a queued sample stamped with the time it was enqueued.
type Received struct {
	Sample pose.Sample
	At     time.Time
}

// SampleQueue is the bounded hand-off between provider goroutines and the
// control loop. When full, the oldest sample is discarded.
type SampleQueue struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	items    []Received
	capacity int
	dropped  uint64
	accepted uint64
}

// NewSampleQueue returns a queue holding at most capacity samples. A
// non-positive capacity uses DefaultQueueCapacity.
func NewSampleQueue(capacity int, clock timeutil.Clock) *SampleQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SampleQueue{
		clock:    clock,
		items:    make([]Received, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue implements pose.SampleSink.
func (q *SampleQueue) Enqueue(s pose.Sample) bool {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepted++
	full := len(q.items) >= q.capacity
	if full {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}
	q.items = append(q.items, Received{Sample: s, At: now})
	return !full
}

// Drain removes and returns every queued sample in arrival order.
func (q *SampleQueue) Drain() []Received {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]Received, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

// Len returns the number of queued samples.
func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many samples were discarded because the queue was full.
func (q *SampleQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Accepted returns how many samples have been enqueued in total.
func (q *SampleQueue) Accepted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepted
}
