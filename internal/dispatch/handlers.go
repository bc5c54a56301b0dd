package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardrelay/internal/domain"
)

// BoardHandlers returns the handlers that maintain the BOARDS collection.
// Events for other collections are acknowledged and ignored.
func BoardHandlers() Handlers {
	return Handlers{
		Create: handleCreate,
		Update: handleUpdate,
		Delete: handleDelete,
	}
}

func handleCreate(ctx context.Context, room *domain.Room, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch.handleCreate: %w: %w", domain.ErrHandler, err)
	}
	if ev.Collection != domain.CollectionBoards {
		log.Debug().Str("collection", ev.Collection).Msg("create ignored for untracked collection")
		return nil
	}

	board, err := domain.NewBoard(ev.Data)
	if err != nil {
		return fmt.Errorf("dispatch.handleCreate: %w: %w", domain.ErrHandler, err)
	}

	room.Put(board)
	log.Info().Str("room_id", room.ID).Str("board_id", board.ID).Int("boards", room.Len()).Msg("board created")
	return nil
}

func handleUpdate(ctx context.Context, room *domain.Room, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch.handleUpdate: %w: %w", domain.ErrHandler, err)
	}
	if ev.Collection != domain.CollectionBoards {
		return nil
	}

	attrs, err := domain.DecodeAttributes(ev.Data)
	if err != nil {
		return fmt.Errorf("dispatch.handleUpdate: %w: %w", domain.ErrHandler, err)
	}

	id := targetID(attrs, ev)
	board, ok := room.Board(id)
	if !ok {
		return fmt.Errorf("dispatch.handleUpdate %q: %w: %w", id, domain.ErrHandler, domain.ErrBoardNotFound)
	}

	board.Merge(attrs)
	log.Info().Str("room_id", room.ID).Str("board_id", id).Msg("board updated")
	return nil
}

func handleDelete(ctx context.Context, room *domain.Room, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch.handleDelete: %w: %w", domain.ErrHandler, err)
	}
	if ev.Collection != domain.CollectionBoards {
		return nil
	}

	var attrs map[string]any
	if len(ev.Data) > 0 {
		// A delete may carry no document; the key's id segment is enough.
		decoded, err := domain.DecodeAttributes(ev.Data)
		if err != nil {
			log.Debug().Err(err).
				Str("stage", string(domain.StageHandle)).
				Str("event_id", ev.ID).
				Str("doc_id", ev.DocID).
				Msg("delete payload unreadable, using key doc id")
		}
		attrs = decoded
	}

	id := targetID(attrs, ev)
	if room.Remove(id) {
		log.Info().Str("room_id", room.ID).Str("board_id", id).Msg("board deleted")
	}
	return nil
}

// targetID prefers the payload's id and falls back to the key's doc segment.
func targetID(attrs map[string]any, ev domain.Event) string {
	if id, ok := attrs["id"].(string); ok && id != "" {
		return id
	}
	return ev.DocID
}
