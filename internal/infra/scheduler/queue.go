package scheduler

import (
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

// DefaultQueueCapacity bounds the number of entries the queue can hold.
const DefaultQueueCapacity = 1024

// entry is either a task id or a stop sentinel for one pool generation.
type entry struct {
	taskID string
	stop   bool
	gen    uint64
}

type flight uint8

const (
	flightQueued flight = iota + 1
	flightRunning
)

// Queue is the FIFO of task ids shared by the scheduler and every worker
// pool generation. It remembers which ids are queued or running so the same
// task is never handed out twice.
type Queue struct {
	ch chan entry

	mu       sync.Mutex
	inflight map[string]flight
	queued   int
	running  int
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		ch:       make(chan entry, capacity),
		inflight: make(map[string]flight),
	}
}

// Enqueue appends taskID. It returns false when the id is already queued or
// running, or when the queue is full.
func (q *Queue) Enqueue(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[taskID]; ok {
		return false
	}
	select {
	case q.ch <- entry{taskID: taskID}:
	default:
		return false
	}
	q.inflight[taskID] = flightQueued
	q.queued++
	metrics.QueueDepth.Set(float64(q.queued))
	return true
}

// Claim marks taskID as running without queueing it. Used for manual runs.
func (q *Queue) Claim(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[taskID]; ok {
		return false
	}
	q.inflight[taskID] = flightRunning
	q.running++
	return true
}

// Release forgets taskID once its execution is over.
func (q *Queue) Release(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.inflight[taskID] {
	case flightRunning:
		q.running--
	case flightQueued:
		q.queued--
		metrics.QueueDepth.Set(float64(q.queued))
	}
	delete(q.inflight, taskID)
}

// stop pushes a sentinel for gen. A full queue drops it; workers also watch
// their pool's quit channel.
func (q *Queue) stop(gen uint64) bool {
	select {
	case q.ch <- entry{stop: true, gen: gen}:
		return true
	default:
		return false
	}
}

// pop waits up to timeout for the next entry. A task entry moves from queued
// to running. It returns false on timeout or when quit is closed.
func (q *Queue) pop(timeout time.Duration, quit <-chan struct{}) (entry, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-q.ch:
		if !e.stop {
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.inflight[e.taskID] != flightQueued {
				// Released while waiting.
				return entry{}, false
			}
			q.queued--
			q.running++
			q.inflight[e.taskID] = flightRunning
			metrics.QueueDepth.Set(float64(q.queued))
		}
		return e, true
	case <-timer.C:
		return entry{}, false
	case <-quit:
		return entry{}, false
	}
}

// Len returns the number of task ids waiting. Sentinels are not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Running returns the number of task ids handed out and not yet released.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Contains reports whether taskID is queued or running.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[taskID]
	return ok
}
