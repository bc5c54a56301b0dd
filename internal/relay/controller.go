// Package relay coordinates startup and shutdown of the subscriber and the
// dispatcher.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gosuda/boardrelay/internal/domain"
)

// ErrAlreadyStarted is returned when Run is called on a controller that has left Idle.
var ErrAlreadyStarted = errors.New("relay: controller already started") //nolint:gochecknoglobals // sentinel error

const defaultDrainTimeout = 10 * time.Second

// State is the controller lifecycle: Idle -> Running -> Draining -> Stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Unit is a long-running piece of the pipeline.
type Unit interface {
	Run(ctx context.Context) error
}

// Queue is the part of the event queue the controller needs for shutdown.
type Queue interface {
	Close() int
	Discard() int
}

// Reconnect controls redialing after the upstream connection drops.
// Disabled by default: a lost connection ends the relay.
type Reconnect struct {
	Enabled     bool
	MaxAttempts int // 0 means unlimited
	Interval    time.Duration
}

type Options struct {
	DrainTimeout time.Duration
	Reconnect    Reconnect
	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to State)
}

type Controller struct {
	subscriber Unit
	dispatcher Unit
	queue      Queue
	opts       Options

	state atomic.Int32
}

func New(subscriber, dispatcher Unit, q Queue, opts Options) *Controller {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Reconnect.Interval <= 0 {
		opts.Reconnect.Interval = time.Second
	}
	return &Controller{
		subscriber: subscriber,
		dispatcher: dispatcher,
		queue:      q,
		opts:       opts,
	}
}

// State is safe to call from any goroutine.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	log.Info().Stringer("from", from).Stringer("state", to).Msg("relay state changed")
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(from, to)
	}
	return true
}

// Run starts the subscriber and dispatcher and blocks until both have
// stopped. Cancelling ctx starts an orderly drain. The first fatal error
// (connection or routing) is returned; a signal-initiated shutdown returns nil.
func (c *Controller) Run(ctx context.Context) error {
	if !c.transition(StateIdle, StateRunning) {
		return ErrAlreadyStarted
	}

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()

	// The dispatcher outlives ctx so it can drain; only the drain timeout stops it early.
	dispCtx, cancelDisp := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDisp()

	draining := make(chan struct{})
	dispDone := make(chan struct{})

	var once sync.Once
	beginDrain := func(reason string) {
		once.Do(func() {
			c.transition(StateRunning, StateDraining)
			log.Info().Str("reason", reason).Msg("draining relay")
			cancelSub()
			if pending := c.queue.Close(); pending > 0 {
				log.Warn().Int("pending", pending).Msg("queue was not empty at close")
			}
			close(draining)
		})
	}

	var g errgroup.Group

	g.Go(func() error {
		err := c.runSubscriber(subCtx)
		if err != nil {
			log.Error().Err(err).Str("stage", string(domain.StageOf(err))).Msg("subscriber failed")
		}
		beginDrain("subscriber stopped")
		return err
	})

	g.Go(func() error {
		defer close(dispDone)
		err := c.dispatcher.Run(dispCtx)
		if err != nil {
			log.Error().Err(err).Str("stage", string(domain.StageOf(err))).Msg("dispatcher failed")
		}
		beginDrain("dispatcher stopped")
		return err
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			beginDrain("shutdown requested")
		case <-draining:
		}

		timer := time.NewTimer(c.opts.DrainTimeout)
		defer timer.Stop()

		select {
		case <-dispDone:
		case <-timer.C:
			log.Warn().Dur("timeout", c.opts.DrainTimeout).Msg("drain timeout elapsed")
			cancelDisp()
			if n := c.queue.Discard(); n > 0 {
				log.Warn().Int("discarded", n).Msg("discarded pending events")
			}
		}
		return nil
	})

	err := g.Wait()
	c.transition(StateDraining, StateStopped)
	if err != nil {
		return fmt.Errorf("relay.Controller.Run: %w", err)
	}
	return nil
}

// runSubscriber applies the reconnect policy around the subscriber.
func (c *Controller) runSubscriber(ctx context.Context) error {
	policy := c.opts.Reconnect
	limiter := rate.NewLimiter(rate.Every(policy.Interval), 1)

	for attempt := 1; ; attempt++ {
		err := c.subscriber.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !policy.Enabled || !errors.Is(err, domain.ErrConnection) {
			return err
		}
		if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", policy.MaxAttempts, err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("connection lost, reconnecting")
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return nil
		}
	}
}
