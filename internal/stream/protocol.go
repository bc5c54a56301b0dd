package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gosuda/boardrelay/internal/domain"
)

// DefaultRoutes are the collections subscribed to for a room.
var DefaultRoutes = []string{ //nolint:gochecknoglobals // protocol constant
	"/api/apps/subscribe/:roomId",
	"/api/boards/subscribe/:roomId",
}

// ErrNoEvent is returned by DecodeFrame for control frames (subscription
// acknowledgements and the like) that carry no event.
var ErrNoEvent = errors.New("stream: frame carries no event") //nolint:gochecknoglobals // sentinel error

// SubscribeRequest registers interest in one collection of a room.
type SubscribeRequest struct {
	Route string        `json:"route"`
	ID    string        `json:"id"`
	Body  SubscribeBody `json:"body"`
}

type SubscribeBody struct {
	SubID  string `json:"subId"`
	RoomID string `json:"roomId"`
}

// Frame is an inbound message from the event server.
type Frame struct {
	ID    string      `json:"id"`
	Event *FrameEvent `json:"event,omitempty"`
}

type FrameEvent struct {
	Type string   `json:"type"`
	Key  string   `json:"key"`
	Doc  FrameDoc `json:"doc"`
}

type FrameDoc struct {
	Data json.RawMessage `json:"data"`
}

// Key layout: <prefix>:<prefix>:<COLLECTION>[:<docID>...]
const (
	keyCollectionIndex = 2
	keyDocIndex        = 3
)

// DecodeFrame turns a raw text frame into a domain event. The composite key
// is split here so the rest of the relay only sees structured fields.
func DecodeFrame(raw []byte) (domain.Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.Event{}, fmt.Errorf("stream.DecodeFrame: %w: %w", domain.ErrDecode, err)
	}
	if f.Event == nil {
		return domain.Event{}, ErrNoEvent
	}
	if f.Event.Type == "" {
		return domain.Event{}, fmt.Errorf("stream.DecodeFrame: empty event type: %w", domain.ErrDecode)
	}

	parts := strings.Split(f.Event.Key, ":")
	if len(parts) <= keyCollectionIndex || parts[keyCollectionIndex] == "" {
		return domain.Event{}, fmt.Errorf("stream.DecodeFrame: key %q has no collection segment: %w", f.Event.Key, domain.ErrDecode)
	}

	ev := domain.Event{
		ID:         f.ID,
		Collection: parts[keyCollectionIndex],
		Op:         domain.Op(f.Event.Type),
		Data:       f.Event.Doc.Data,
	}
	if len(parts) > keyDocIndex {
		ev.DocID = parts[keyDocIndex]
	}
	return ev, nil
}
