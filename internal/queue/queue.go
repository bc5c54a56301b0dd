// Package queue is the FIFO handoff between the stream subscriber and the
// dispatcher. It is safe for one producer and one consumer running
// concurrently; Push and Pop both honour context cancellation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardrelay/internal/domain"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue is empty.
var ErrClosed = errors.New("queue: closed") //nolint:gochecknoglobals // sentinel error

// Policy decides what a bounded queue does when it is full.
type Policy string

const (
	// PolicyBlock makes the producer wait for space.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the head of the queue to make room.
	PolicyDropOldest Policy = "drop_oldest"
)

// ParsePolicy maps a config string to a Policy. Empty selects PolicyBlock.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyDropOldest:
		return PolicyDropOldest, nil
	default:
		return "", fmt.Errorf("queue.ParsePolicy: unknown policy %q", s)
	}
}

// Options configures a Queue. Capacity 0 means unbounded.
type Options struct {
	Capacity int
	Policy   Policy
}

type Queue struct {
	opts Options

	mu      sync.Mutex
	items   []domain.Event
	seq     uint64
	dropped int
	closed  bool

	avail chan struct{} // poked when an item is added
	space chan struct{} // poked when an item is removed
	done  chan struct{} // closed by Close
}

func New(opts Options) *Queue {
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	return &Queue{
		opts:  opts,
		avail: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends ev and stamps it with the next sequence number.
func (q *Queue) Push(ctx context.Context, ev domain.Event) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if q.opts.Capacity <= 0 || len(q.items) < q.opts.Capacity {
			q.append(ev)
			q.mu.Unlock()
			poke(q.avail)
			return nil
		}

		if q.opts.Policy == PolicyDropOldest {
			evicted := q.items[0]
			q.items[0] = domain.Event{}
			q.items = q.items[1:]
			q.dropped++
			q.append(ev)
			q.mu.Unlock()
			log.Warn().
				Str("event_id", evicted.ID).
				Uint64("seq", evicted.Seq).
				Msg("queue full, dropped oldest event")
			poke(q.avail)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return fmt.Errorf("queue.Queue.Push: %w", ctx.Err())
		}
	}
}

func (q *Queue) append(ev domain.Event) {
	q.seq++
	ev.Seq = q.seq
	q.items = append(q.items, ev)
}

// Pop removes the head of the queue, blocking while it is empty. Items still
// queued at Close are returned before ErrClosed.
func (q *Queue) Pop(ctx context.Context) (domain.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = domain.Event{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			poke(q.space)
			if more {
				poke(q.avail)
			}
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return domain.Event{}, ErrClosed
		}

		select {
		case <-q.avail:
		case <-q.done:
		case <-ctx.Done():
			return domain.Event{}, fmt.Errorf("queue.Queue.Pop: %w", ctx.Err())
		}
	}
}

// Close stops accepting new events and returns how many were still pending.
// Calling Close again returns the current length.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return len(q.items)
}

// Discard drops every pending event and returns how many were dropped.
func (q *Queue) Discard() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	if n > 0 {
		poke(q.space)
	}
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events PolicyDropOldest has evicted.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
