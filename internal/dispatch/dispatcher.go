// Package dispatch drains the event queue on a single goroutine and applies
// each event to the room replica. The dispatcher is the only writer of the
// Room; nothing else may touch it while Run is active.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardrelay/internal/domain"
	"github.com/gosuda/boardrelay/internal/queue"
)

// Source yields events in enqueue order. *queue.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context) (domain.Event, error)
}

// Publisher is notified after an event has been applied to the room.
type Publisher interface {
	PublishChange(ctx context.Context, roomID string, ev domain.Event) error
}

// Handler applies one event to the room.
type Handler func(ctx context.Context, room *domain.Room, ev domain.Event) error

// Handlers holds one handler per operation kind. A nil field means the
// operation is not routable.
type Handlers struct {
	Create Handler
	Update Handler
	Delete Handler
}

func (h Handlers) route(op domain.Op) (Handler, error) {
	var fn Handler
	switch op {
	case domain.OpCreate:
		fn = h.Create
	case domain.OpUpdate:
		fn = h.Update
	case domain.OpDelete:
		fn = h.Delete
	}
	if fn == nil {
		return nil, &domain.RoutingError{Op: op}
	}
	return fn, nil
}

// Stats is a point-in-time view of dispatcher progress.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Boards    int64  `json:"boards"`
	LastSeq   uint64 `json:"last_seq"`
}

type Option func(*Dispatcher)

// WithEventTimeout sets a deadline for each event covering the handler and
// the mirror publish. Handlers observe it through ctx; the built-in board
// handlers refuse to apply an event whose deadline has already passed.
func WithEventTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.eventTimeout = d }
}

// WithPublisher mirrors applied events to p.
func WithPublisher(p Publisher) Option {
	return func(disp *Dispatcher) { disp.publisher = p }
}

type Dispatcher struct {
	source       Source
	room         *domain.Room
	handlers     Handlers
	publisher    Publisher
	eventTimeout time.Duration

	processed atomic.Uint64
	failed    atomic.Uint64
	boards    atomic.Int64
	lastSeq   atomic.Uint64
}

func New(source Source, room *domain.Room, handlers Handlers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		room:     room,
		handlers: handlers,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes events one at a time until the source is closed and drained
// (nil), the context is cancelled (nil), or an event cannot be routed
// (RoutingError, fatal).
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Str("room_id", d.room.ID).Msg("dispatcher started")

	for {
		ev, err := d.source.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				log.Info().Str("room_id", d.room.ID).Msg("dispatcher drained")
				return nil
			}
			if ctx.Err() != nil {
				log.Warn().Str("room_id", d.room.ID).Msg("dispatcher cancelled")
				return nil
			}
			return &domain.StageError{Stage: domain.StageDispatch, Err: fmt.Errorf("dispatch.Dispatcher.Run: %w", err)}
		}

		if err := d.process(ctx, ev); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev domain.Event) error {
	logger := log.With().
		Str("event_id", ev.ID).
		Uint64("seq", ev.Seq).
		Str("op", string(ev.Op)).
		Str("collection", ev.Collection).
		Logger()

	logger.Debug().Msg("processing event")
	start := time.Now()

	handler, err := d.handlers.route(ev.Op)
	if err != nil {
		logger.Error().Err(err).Str("stage", string(domain.StageDispatch)).Msg("unroutable event")
		return &domain.StageError{Stage: domain.StageDispatch, Err: err}
	}

	hctx := ctx
	if d.eventTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.eventTimeout)
		defer cancel()
	}

	d.lastSeq.Store(ev.Seq)
	if err := handler(hctx, d.room, ev); err != nil {
		d.failed.Add(1)
		logger.Warn().Err(err).Str("stage", string(domain.StageHandle)).Msg("handler failed")
	} else if d.publisher != nil {
		if pubErr := d.publisher.PublishChange(hctx, d.room.ID, ev); pubErr != nil {
			logger.Warn().Err(pubErr).Msg("publish change")
		}
	}

	d.processed.Add(1)
	d.boards.Store(int64(d.room.Len()))
	logger.Debug().Dur("took", time.Since(start)).Msg("finished event")
	return nil
}

// Stats is safe to call from any goroutine.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Boards:    d.boards.Load(),
		LastSeq:   d.lastSeq.Load(),
	}
}
