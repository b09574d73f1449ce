package process

import (
	"context"
	"sync"
)

// Line is one chunk of process output. Text carries no trailing newline.
type Line struct {
	Text   string
	Stdout bool
}

// Sink receives output lines as they are read. Push must not block for long;
// it runs on the stream reader.
type Sink interface {
	Push(Line)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Line)

func (f SinkFunc) Push(l Line) { f(l) }

// Queue is an unbounded FIFO Sink. Push never blocks, so a slow consumer
// cannot stall the child process.
type Queue struct {
	mu     sync.Mutex
	items  []Line
	notify chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue { return &Queue{notify: make(chan struct{}, 1)} }

func (q *Queue) Push(l Line) {
	q.mu.Lock()
	q.items = append(q.items, l)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop returns the oldest line without blocking.
func (q *Queue) TryPop() (Line, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Line{}, false
	}
	l := q.items[0]
	q.items[0] = Line{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return l, true
}

// Pop blocks until a line is available or ctx ends.
func (q *Queue) Pop(ctx context.Context) (Line, error) {
	for {
		if l, ok := q.TryPop(); ok {
			return l, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Line{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Line {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
