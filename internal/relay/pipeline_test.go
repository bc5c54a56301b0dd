package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardrelay/internal/dispatch"
	"github.com/gosuda/boardrelay/internal/domain"
	"github.com/gosuda/boardrelay/internal/queue"
	"github.com/gosuda/boardrelay/internal/relay"
	"github.com/gosuda/boardrelay/internal/stream"
)

// eventServer completes the subscription handshake, sends frames and keeps
// the connection open until the client leaves.
func eventServer(t *testing.T, frames ...string) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for range stream.DefaultRoutes {
			var req stream.SubscribeRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
		}
		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPipeline_CreateBoardEndToEnd(t *testing.T) {
	t.Parallel()

	url := eventServer(t,
		`{"id":"ack","success":true}`,
		`{"id":"e1","event":{"type":"CREATE","key":"x:y:BOARDS","doc":{"data":{"id":"B1","name":"demo"}}}}`,
	)

	q := queue.New(queue.Options{})
	room := domain.NewRoom("R1")
	disp := dispatch.New(q, room, dispatch.BoardHandlers())
	sub := stream.New(stream.Config{URL: url, Token: "secret", RoomID: "R1"}, q)
	ctrl := relay.New(sub, disp, q, relay.Options{DrainTimeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return disp.Stats().Processed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, relay.StateRunning, ctrl.State())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}

	assert.Equal(t, relay.StateStopped, ctrl.State())
	board, ok := room.Board("B1")
	require.True(t, ok)
	name, _ := board.Attr("name")
	assert.Equal(t, "demo", name)
	assert.Equal(t, 1, room.Len())
}
