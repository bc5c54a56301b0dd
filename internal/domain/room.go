package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Board is a single collaborative canvas tracked by the relay. Its attributes
// come verbatim from the upstream document; the schema is defined elsewhere.
type Board struct {
	ID         string
	Attributes map[string]any
}

// NewBoard builds a Board from a document payload. The payload must be a JSON
// object with a non-empty string "id".
func NewBoard(data json.RawMessage) (*Board, error) {
	attrs, err := DecodeAttributes(data)
	if err != nil {
		return nil, fmt.Errorf("domain.NewBoard: %w", err)
	}

	id, _ := attrs["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("domain.NewBoard: %w", ErrMissingBoardID)
	}

	return &Board{ID: id, Attributes: attrs}, nil
}

// DecodeAttributes parses a document payload into an attribute map.
func DecodeAttributes(data json.RawMessage) (map[string]any, error) {
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if attrs == nil {
		return nil, fmt.Errorf("decode attributes: payload is not an object: %w", ErrDecode)
	}
	return attrs, nil
}

// Merge overwrites the board's attributes with attrs. The "id" key is ignored
// so an update can never change which entry the board is stored under.
func (b *Board) Merge(attrs map[string]any) {
	if b.Attributes == nil {
		b.Attributes = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		if k == "id" {
			continue
		}
		b.Attributes[k] = v
	}
}

// Attr returns a single attribute.
func (b *Board) Attr(key string) (any, bool) {
	v, ok := b.Attributes[key]
	return v, ok
}

// Room is a named collection of boards. A Room is owned by a single goroutine
// (the dispatcher) and is not safe for concurrent use.
type Room struct {
	ID     string
	boards map[string]*Board
}

func NewRoom(id string) *Room {
	return &Room{
		ID:     id,
		boards: make(map[string]*Board),
	}
}

// Put stores the board under its id, replacing any previous entry.
func (r *Room) Put(b *Board) {
	r.boards[b.ID] = b
}

func (r *Room) Board(id string) (*Board, bool) {
	b, ok := r.boards[id]
	return b, ok
}

// Remove deletes the board and reports whether it was present.
func (r *Room) Remove(id string) bool {
	if _, ok := r.boards[id]; !ok {
		return false
	}
	delete(r.boards, id)
	return true
}

func (r *Room) Len() int {
	return len(r.boards)
}

// BoardIDs returns the ids of all boards in sorted order.
func (r *Room) BoardIDs() []string {
	return slices.Sorted(maps.Keys(r.boards))
}
