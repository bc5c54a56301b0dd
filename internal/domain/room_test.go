package domain_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardrelay/internal/domain"
)

func TestNewBoard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantID  string
		wantErr error
	}{
		{name: "happy path", data: `{"id":"B1","name":"demo"}`, wantID: "B1"},
		{name: "nested attributes kept", data: `{"id":"B2","color":{"r":1}}`, wantID: "B2"},
		{name: "missing id", data: `{"name":"demo"}`, wantErr: domain.ErrMissingBoardID},
		{name: "empty id", data: `{"id":""}`, wantErr: domain.ErrMissingBoardID},
		{name: "numeric id", data: `{"id":7}`, wantErr: domain.ErrMissingBoardID},
		{name: "null payload", data: `null`, wantErr: domain.ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := domain.NewBoard(json.RawMessage(tt.data))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, b.ID)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewBoard(json.RawMessage(`{"id":`))
		require.Error(t, err)
	})
}

func TestBoard_Merge(t *testing.T) {
	t.Parallel()

	b, err := domain.NewBoard(json.RawMessage(`{"id":"B1","name":"demo","color":"red"}`))
	require.NoError(t, err)

	b.Merge(map[string]any{"id": "OTHER", "name": "renamed", "width": float64(10)})

	assert.Equal(t, "B1", b.ID)
	name, ok := b.Attr("name")
	require.True(t, ok)
	assert.Equal(t, "renamed", name)
	color, _ := b.Attr("color")
	assert.Equal(t, "red", color)
	width, _ := b.Attr("width")
	assert.InDelta(t, 10, width, 0)
	id, _ := b.Attr("id")
	assert.Equal(t, "B1", id, "id attribute must not be overwritten")
}

func TestBoard_MergeIntoEmpty(t *testing.T) {
	t.Parallel()

	b := &domain.Board{ID: "B1"}
	b.Merge(map[string]any{"name": "x"})

	v, ok := b.Attr("name")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestRoom(t *testing.T) {
	t.Parallel()

	t.Run("put replaces existing entry", func(t *testing.T) {
		t.Parallel()

		room := domain.NewRoom("R1")
		room.Put(&domain.Board{ID: "B1", Attributes: map[string]any{"name": "first"}})
		room.Put(&domain.Board{ID: "B1", Attributes: map[string]any{"name": "second"}})

		assert.Equal(t, 1, room.Len())
		b, ok := room.Board("B1")
		require.True(t, ok)
		assert.Equal(t, "second", b.Attributes["name"])
	})

	t.Run("remove reports presence", func(t *testing.T) {
		t.Parallel()

		room := domain.NewRoom("R1")
		room.Put(&domain.Board{ID: "B1"})

		assert.False(t, room.Remove("missing"))
		assert.Equal(t, 1, room.Len())
		assert.True(t, room.Remove("B1"))
		assert.Equal(t, 0, room.Len())
	})

	t.Run("board ids sorted", func(t *testing.T) {
		t.Parallel()

		room := domain.NewRoom("R1")
		for _, id := range []string{"c", "a", "b"} {
			room.Put(&domain.Board{ID: id})
		}
		assert.Equal(t, []string{"a", "b", "c"}, room.BoardIDs())
	})
}

func TestOp_Known(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.OpCreate.Known())
	assert.True(t, domain.OpUpdate.Known())
	assert.True(t, domain.OpDelete.Known())
	assert.False(t, domain.Op("RENAME").Known())
	assert.False(t, domain.Op("").Known())
}

func TestStageError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &domain.StageError{
		Stage: domain.StageDispatch,
		Err:   &domain.RoutingError{Op: "RENAME"},
	})

	assert.ErrorIs(t, err, domain.ErrRouting)
	assert.Equal(t, domain.StageDispatch, domain.StageOf(err))
	assert.Contains(t, err.Error(), "dispatch")
	assert.Contains(t, err.Error(), "RENAME")

	var re *domain.RoutingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, domain.Op("RENAME"), re.Op)

	assert.Equal(t, domain.Stage(""), domain.StageOf(errors.New("plain")))
}
