package channel

import (
	"context"
	"sync"

	"tvboxd/internal/models"
)

type telemetryKind int

const (
	telemetryPlayback telemetryKind = iota
	telemetryError
)

type telemetryItem struct {
	kind      telemetryKind
	playback  models.PlaybackEvent
	errReport models.ErrorReport
}

// telemetryQueue is a bounded FIFO of pending telemetry. When full, the
// oldest entry is dropped so the buffer always holds the freshest events
// while the box is offline.
type telemetryQueue struct {
	mu    sync.Mutex
	items []telemetryItem
	max   int
	ready chan struct{}
}

func newTelemetryQueue(max int) *telemetryQueue {
	if max <= 0 {
		max = 64
	}
	return &telemetryQueue{
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

func (q *telemetryQueue) push(item telemetryItem) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// pushFront requeues an item at the head after a failed delivery.
func (q *telemetryQueue) pushFront(item telemetryItem) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append([]telemetryItem{item}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *telemetryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *telemetryQueue) pop() (telemetryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return telemetryItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

// wait blocks until an item is available or ctx is done.
func (q *telemetryQueue) wait(ctx context.Context) (telemetryItem, bool) {
	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return telemetryItem{}, false
		case <-q.ready:
		}
	}
}

func (q *telemetryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
