package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/boardrelay/internal/domain"
)

// Change is the notification published for every applied event.
type Change struct {
	EventID    string    `json:"event_id"`
	RoomID     string    `json:"room_id"`
	BoardID    string    `json:"board_id,omitempty"`
	Op         domain.Op `json:"op"`
	Collection string    `json:"collection"`
	Seq        uint64    `json:"seq"`
}

type PubSub struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// PublishChange mirrors an applied event. Board events go to the board's
// channel; events without a board id go to the room channel.
func (ps *PubSub) PublishChange(ctx context.Context, roomID string, ev domain.Event) error {
	change := Change{
		EventID:    ev.ID,
		RoomID:     roomID,
		BoardID:    boardID(ev),
		Op:         ev.Op,
		Collection: ev.Collection,
		Seq:        ev.Seq,
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redis.PubSub.PublishChange: %w", err)
	}

	channel := RoomChannel(roomID)
	if change.Collection == domain.CollectionBoards && change.BoardID != "" {
		channel = BoardChannel(roomID, change.BoardID)
	}

	if err := ps.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("redis.PubSub.PublishChange: %w", err)
	}
	return nil
}

func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

func boardID(ev domain.Event) string {
	var doc struct {
		ID string `json:"id"`
	}
	if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &doc) == nil && doc.ID != "" {
		return doc.ID
	}
	return ev.DocID
}

// BoardChannel returns the Redis channel name for a board within a room.
func BoardChannel(roomID, boardID string) string {
	return "board:" + roomID + ":" + boardID
}

// RoomChannel returns the Redis channel name for room-wide changes.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}
