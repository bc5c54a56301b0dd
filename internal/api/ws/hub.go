// Package ws streams mirrored board changes to downstream websocket clients.
package ws

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	redisstore "github.com/gosuda/boardrelay/internal/store/redis"
)

// ChangeSource delivers messages published on a channel. *redis.PubSub satisfies it.
type ChangeSource interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections backed by Redis pub/sub.
type Hub struct {
	source  ChangeSource
	origins []string
}

// NewHub creates a new WebSocket hub. origins lists the host patterns allowed
// to connect cross-origin; empty allows same-origin only.
func NewHub(source ChangeSource, origins []string) *Hub {
	return &Hub{source: source, origins: origins}
}

// Routes mounts the feed handlers on r.
func (h *Hub) Routes(r chi.Router) {
	r.Get("/rooms/{roomID}", h.ServeRoom)
	r.Get("/rooms/{roomID}/boards/{boardID}", h.ServeBoard)
}

// ServeRoom streams room-wide changes from channel "room:<roomID>".
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}
	h.stream(w, r, redisstore.RoomChannel(roomID))
}

// ServeBoard streams changes for one board from channel "board:<roomID>:<boardID>".
func (h *Hub) ServeBoard(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	boardID := chi.URLParam(r, "boardID")
	if roomID == "" || boardID == "" {
		http.Error(w, "missing room or board id", http.StatusBadRequest)
		return
	}
	h.stream(w, r, redisstore.BoardChannel(roomID, boardID))
}

func (h *Hub) stream(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.source.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	log.Debug().Str("channel", channel).Msg("feed client connected")

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
