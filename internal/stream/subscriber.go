// Package stream connects to the upstream event server, performs the room
// subscription handshake and forwards every decoded event to a sink.
// It never touches board state.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardrelay/internal/domain"
	"github.com/gosuda/boardrelay/internal/queue"
)

// ErrInvalidConfig is returned when a required connection parameter is empty.
var ErrInvalidConfig = errors.New("stream: invalid config") //nolint:gochecknoglobals // sentinel error

const (
	defaultReadLimit   = 1 << 20
	defaultDialTimeout = 10 * time.Second
)

// Sink receives decoded events. *queue.Queue satisfies it.
type Sink interface {
	Push(ctx context.Context, ev domain.Event) error
}

// Config holds the connection parameters.
type Config struct {
	URL         string
	Token       string //nolint:gosec // bearer credential
	RoomID      string
	Routes      []string // defaults to DefaultRoutes
	ReadLimit   int64    // max frame size in bytes; defaults to 1 MiB
	DialTimeout time.Duration
}

// Validate checks that the connection parameters are present.
func (c *Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	case c.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidConfig)
	case c.RoomID == "":
		return fmt.Errorf("%w: room id is required", ErrInvalidConfig)
	}
	return nil
}

type Subscriber struct {
	cfg  Config
	sink Sink
}

func New(cfg Config, sink Sink) *Subscriber {
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Subscriber{cfg: cfg, sink: sink}
}

// Run connects, subscribes and receives until the context is cancelled, the
// sink is closed, or the connection fails. Only connection failures are
// returned as errors.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return &domain.StageError{Stage: domain.StageSubscribe, Err: fmt.Errorf("stream.Subscriber.Run: %w", err)}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return &domain.StageError{Stage: domain.StageSubscribe, Err: err}
	}
	defer conn.CloseNow()

	conn.SetReadLimit(s.cfg.ReadLimit)

	if err := Subscribe(ctx, conn, s.cfg.RoomID, s.cfg.Routes); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &domain.StageError{Stage: domain.StageSubscribe, Err: err}
	}

	err = s.receive(ctx, conn)
	if err != nil {
		return &domain.StageError{Stage: domain.StageReceive, Err: err}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "relay stopping")
	return nil
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, resp, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("stream.Subscriber.dial %s: %w: %w", s.cfg.URL, domain.ErrConnection, err)
	}

	log.Info().Str("url", s.cfg.URL).Str("room_id", s.cfg.RoomID).Msg("connected to event server")
	return conn, nil
}

// Subscribe sends one subscription request per route. Every request carries
// its own freshly generated subscription and message ids.
func Subscribe(ctx context.Context, conn *websocket.Conn, roomID string, routes []string) error {
	for _, route := range routes {
		req := SubscribeRequest{
			Route: route,
			ID:    uuid.NewString(),
			Body: SubscribeBody{
				SubID:  uuid.NewString(),
				RoomID: roomID,
			},
		}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			return fmt.Errorf("stream.Subscribe %s: %w: %w", route, domain.ErrConnection, err)
		}
		log.Info().
			Str("route", route).
			Str("room_id", roomID).
			Str("sub_id", req.Body.SubID).
			Msg("subscribed")
	}
	return nil
}

func (s *Subscriber) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream.Subscriber.receive: %w: %w", domain.ErrConnection, err)
		}
		if typ != websocket.MessageText {
			log.Warn().Str("stage", string(domain.StageReceive)).Msg("dropping binary frame")
			continue
		}

		ev, err := DecodeFrame(raw)
		if errors.Is(err, ErrNoEvent) {
			log.Debug().RawJSON("frame", raw).Msg("control frame")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("stage", string(domain.StageReceive)).Msg("dropping malformed frame")
			continue
		}

		if err := s.sink.Push(ctx, ev); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream.Subscriber.receive: enqueue: %w", err)
		}
		log.Debug().
			Str("event_id", ev.ID).
			Str("op", string(ev.Op)).
			Str("collection", ev.Collection).
			Msg("event enqueued")
	}
}
